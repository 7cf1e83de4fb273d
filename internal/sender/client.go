package sender

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/beevik/etree"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Outcome classifies one delivery attempt for the queue state machine.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	default:
		return "permanent"
	}
}

// successCodes are the downstream's acknowledgement tokens. Observed in the
// wild across their deployments; all four mean delivered.
var successCodes = map[string]bool{"1": true, "0000": true, "OK": true, "1.0": true}

// KeyPair bundles everything derived from one cert/key PEM pair: the TLS
// client certificate, the envelope signer, and a reusable HTTP client.
type KeyPair struct {
	Signer *Signer
	client *http.Client
}

// LoadKeyPair reads the PEM pair. The certificate file may carry the full
// chain; the leaf must come first and the key must be RSA (the signature
// algorithm the downstream accepts leaves no other option).
func LoadKeyPair(certPath, keyPath string) (*KeyPair, error) {
	tlsCert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("loading keypair %s / %s: %w", certPath, keyPath, err)
	}
	rsaKey, ok := tlsCert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key %s is not RSA", keyPath)
	}
	return &KeyPair{
		Signer: &Signer{Key: rsaKey, CertDER: tlsCert.Certificate[0]},
		client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{tlsCert}},
			},
		},
	}, nil
}

// KeyCache is an LRU of loaded keypairs keyed by cert+key path, so the PEM
// parse and TLS handshake state survive across queue rows of the same tenant.
type KeyCache struct {
	cache *lru.Cache[string, *KeyPair]
}

func NewKeyCache(size int) (*KeyCache, error) {
	c, err := lru.New[string, *KeyPair](size)
	if err != nil {
		return nil, err
	}
	return &KeyCache{cache: c}, nil
}

func (kc *KeyCache) Get(certPath, keyPath string) (*KeyPair, error) {
	key := certPath + "\x00" + keyPath
	if kp, ok := kc.cache.Get(key); ok {
		return kp, nil
	}
	kp, err := LoadKeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	kc.cache.Add(key, kp)
	return kp, nil
}

// PlateRequest is the payload of one matriculaRequest.
type PlateRequest struct {
	CodiLector string
	Plate      string
	Timestamp  time.Time // UTC
	ImgOCR     []byte
	ImgContext []byte // nil when the reading carried no context image
	CoordX     string // pre-formatted, empty omits the element
	CoordY     string
}

// NormalizePlate applies the downstream's matricula rules: upper case,
// spaces stripped, at most 10 characters.
func NormalizePlate(plate string) string {
	p := strings.ToUpper(strings.ReplaceAll(plate, " ", ""))
	if len(p) > 10 {
		p = p[:10]
	}
	return p
}

// buildMatriculaBody renders the mat:matriculaRequest element.
func buildMatriculaBody(req *PlateRequest) *etree.Element {
	root := etree.NewElement("mat:matriculaRequest")
	ts := req.Timestamp.UTC()

	add := func(tag, value string) {
		root.CreateElement(tag).SetText(value)
	}
	add("mat:codiLector", req.CodiLector)
	add("mat:matricula", NormalizePlate(req.Plate))
	add("mat:dataLectura", ts.Format("2006-01-02"))
	add("mat:horaLectura", ts.Format("15:04:05"))
	add("mat:imgMatricula", base64.StdEncoding.EncodeToString(req.ImgOCR))
	// imgContext is mandatory in the schema; empty when absent.
	ctxB64 := ""
	if len(req.ImgContext) > 0 {
		ctxB64 = base64.StdEncoding.EncodeToString(req.ImgContext)
	}
	add("mat:imgContext", ctxB64)
	if req.CoordX != "" {
		add("mat:coordenadaX", req.CoordX)
	}
	if req.CoordY != "" {
		add("mat:coordenadaY", req.CoordY)
	}
	return root
}

// SendResult is the classified result of one delivery attempt.
type SendResult struct {
	Outcome    Outcome
	Detail     string
	HTTPStatus int
}

// Send signs and posts one plate reading to the endpoint URL.
func (kp *KeyPair) Send(ctx context.Context, endpointURL string, req *PlateRequest, timeout time.Duration) *SendResult {
	envelope, err := kp.Signer.BuildSignedEnvelope(buildMatriculaBody(req))
	if err != nil {
		// A broken key makes every attempt fail the same way.
		return &SendResult{Outcome: OutcomePermanent, Detail: fmt.Sprintf("signing failed: %v", err)}
	}

	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpointURL, bytes.NewReader([]byte(envelope)))
	if err != nil {
		return &SendResult{Outcome: OutcomePermanent, Detail: fmt.Sprintf("bad endpoint url: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "text/xml; charset=utf-8")
	httpReq.Header.Set("SOAPAction", "matricula")

	resp, err := kp.client.Do(httpReq)
	if err != nil {
		return &SendResult{Outcome: OutcomeTransient, Detail: fmt.Sprintf("transport: %v", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &SendResult{Outcome: OutcomeTransient, HTTPStatus: resp.StatusCode, Detail: fmt.Sprintf("reading response: %v", err)}
	}

	result := classifyResponse(resp.StatusCode, body)
	result.HTTPStatus = resp.StatusCode
	return result
}

// classifyResponse maps an HTTP status + SOAP body onto an Outcome:
//   - transport-level trouble or a non-2xx without parsable SOAP → transient,
//   - a SOAP Fault → permanent regardless of attempts,
//   - matriculaResponse with a success codiRetorn (or no return code and no
//     error field at all) → success,
//   - anything else parseable → permanent.
func classifyResponse(status int, body []byte) *SendResult {
	doc := etree.NewDocument()
	parseErr := doc.ReadFromBytes(body)
	parsed := parseErr == nil && doc.Root() != nil

	// A SOAP Fault is a deliberate rejection whatever the HTTP status.
	if parsed {
		if fault := findLocal(doc.Root(), "Fault"); fault != nil {
			return &SendResult{Outcome: OutcomePermanent, Detail: "soap fault: " + faultDetail(fault)}
		}
	}

	var mr *etree.Element
	if parsed {
		mr = findLocal(doc.Root(), "matriculaResponse")
	}

	if status < 200 || status > 299 {
		// Gateway error pages and the like; the downstream never saw it.
		if mr == nil {
			return &SendResult{Outcome: OutcomeTransient, Detail: fmt.Sprintf("http %d", status)}
		}
	}
	if !parsed {
		return &SendResult{Outcome: OutcomeTransient, Detail: "unparsable response body"}
	}
	if mr == nil {
		return &SendResult{Outcome: OutcomePermanent, Detail: "response without matriculaResponse"}
	}

	if code := localText(mr, "codiRetorn"); code != "" {
		if successCodes[code] {
			return &SendResult{Outcome: OutcomeSuccess, Detail: "codiRetorn=" + code}
		}
		return &SendResult{Outcome: OutcomePermanent, Detail: "codiRetorn=" + code}
	}

	for _, tag := range []string{"codiError", "error"} {
		if v := localText(mr, tag); v != "" {
			return &SendResult{Outcome: OutcomePermanent, Detail: tag + "=" + v}
		}
	}
	if v := localText(mr, "resultat"); v != "" && v != "OK" && v != "1" {
		return &SendResult{Outcome: OutcomePermanent, Detail: "resultat=" + v}
	}

	// Some downstream versions acknowledge with an empty matriculaResponse.
	return &SendResult{Outcome: OutcomeSuccess, Detail: "empty acknowledgement"}
}

// findLocal walks the tree for the first element with the given local name,
// ignoring namespace prefixes.
func findLocal(el *etree.Element, local string) *etree.Element {
	if el.Tag == local {
		return el
	}
	for _, child := range el.ChildElements() {
		if found := findLocal(child, local); found != nil {
			return found
		}
	}
	return nil
}

func localText(el *etree.Element, local string) string {
	if found := findLocal(el, local); found != nil {
		return strings.TrimSpace(found.Text())
	}
	return ""
}

func faultDetail(fault *etree.Element) string {
	for _, tag := range []string{"faultstring", "Reason", "faultcode"} {
		if v := localText(fault, tag); v != "" {
			return v
		}
	}
	return "unspecified"
}
