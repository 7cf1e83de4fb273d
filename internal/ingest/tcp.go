package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TCPServer accepts Tattile camera connections: one XML document per
// connection, read to EOF. No keep-alive, no framing beyond the connection
// boundary.
type TCPServer struct {
	Addr    string
	Service *Service
	Log     *logrus.Logger

	// ReadTimeout caps how long a stalled camera can hold a connection open.
	ReadTimeout time.Duration
}

// Run listens and serves until the context is canceled. Each accepted
// connection is handled on its own goroutine; in-flight handlers are joined
// before Run returns.
func (s *TCPServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("tcp ingest: listen %s: %w", s.Addr, err)
	}
	s.Log.Infof("tcp ingest listening on %s", s.Addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.Log.WithError(err).Error("accept failed")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}

	wg.Wait()
	return nil
}

func (s *TCPServer) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	timeout := s.ReadTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	conn.SetReadDeadline(time.Now().Add(timeout))

	raw, err := io.ReadAll(conn)
	if err != nil {
		s.Log.WithError(err).Warnf("reading from %s", remote)
		return
	}
	if len(raw) == 0 {
		s.Log.Debugf("connection from %s closed without data", remote)
		return
	}

	xmlStr := strings.ToValidUTF8(string(raw), "�")
	s.Log.Infof("xml received from %s (%d bytes)", remote, len(raw))

	var parseErr *ParseError
	if err := s.Service.ProcessTattileXML(ctx, xmlStr, "tattile"); err != nil {
		if errors.As(err, &parseErr) {
			s.Log.Warnf("parse error from %s: %v", remote, err)
			return
		}
		s.Log.WithError(err).Errorf("processing payload from %s", remote)
	}
}
