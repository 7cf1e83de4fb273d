// Package sender drains the message queue: it builds the downstream SOAP
// request, signs it with WS-Security, delivers it over mTLS, and drives the
// queue state machine from the response.
package sender

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	dsig "github.com/russellhaering/goxmldsig"
)

const (
	nsSoapEnv = "http://schemas.xmlsoap.org/soap/envelope/"
	nsWSSE    = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	nsWSU     = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
	nsDS      = "http://www.w3.org/2000/09/xmldsig#"
	nsMat     = "http://dgp.gencat.cat/matricules"

	algExcC14N  = "http://www.w3.org/2001/10/xml-exc-c14n#"
	algRSASHA1  = "http://www.w3.org/2000/09/xmldsig#rsa-sha1"
	algSHA1     = "http://www.w3.org/2000/09/xmldsig#sha1"
	bstEncoding = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary"
	bstX509v3   = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-x509-token-profile-1.0#X509v3"
)

// Signer produces signed envelopes for one certificate. It is stateless
// between calls: every envelope gets fresh wsu:Ids and a fresh timestamp.
//
// The downstream validates rsa-sha1 with sha1 digests and nothing newer;
// the algorithm choice is theirs, not ours.
type Signer struct {
	Key     *rsa.PrivateKey
	CertDER []byte

	// TimestampTTL is how far wsu:Expires sits past wsu:Created.
	TimestampTTL time.Duration

	// now is stubbed in tests.
	now func() time.Time
}

func (s *Signer) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

const wsuTimeLayout = "2006-01-02T15:04:05Z"

// BuildSignedEnvelope wraps bodyContent in a SOAP 1.1 envelope whose header
// carries a BinarySecurityToken, a signed Timestamp, and a Signature with
// references to the Timestamp and the Body.
func (s *Signer) BuildSignedEnvelope(bodyContent *etree.Element) (string, error) {
	ttl := s.TimestampTTL
	if ttl <= 0 {
		ttl = 300 * time.Second
	}

	bstID := "X509-" + uuid.NewString()
	tsID := "TS-" + uuid.NewString()
	bodyID := "Body-" + uuid.NewString()

	doc := etree.NewDocument()
	env := doc.CreateElement("soapenv:Envelope")
	env.CreateAttr("xmlns:soapenv", nsSoapEnv)
	env.CreateAttr("xmlns:mat", nsMat)

	header := env.CreateElement("soapenv:Header")
	sec := header.CreateElement("wsse:Security")
	sec.CreateAttr("xmlns:wsse", nsWSSE)
	sec.CreateAttr("xmlns:wsu", nsWSU)
	sec.CreateAttr("soapenv:mustUnderstand", "1")

	bst := sec.CreateElement("wsse:BinarySecurityToken")
	bst.CreateAttr("EncodingType", bstEncoding)
	bst.CreateAttr("ValueType", bstX509v3)
	bst.CreateAttr("wsu:Id", bstID)
	bst.SetText(base64.StdEncoding.EncodeToString(s.CertDER))

	now := s.clock().UTC().Truncate(time.Second)
	ts := sec.CreateElement("wsu:Timestamp")
	ts.CreateAttr("xmlns:wsu", nsWSU)
	ts.CreateAttr("wsu:Id", tsID)
	ts.CreateElement("wsu:Created").SetText(now.Format(wsuTimeLayout))
	ts.CreateElement("wsu:Expires").SetText(now.Add(ttl).Format(wsuTimeLayout))

	body := env.CreateElement("soapenv:Body")
	body.CreateAttr("xmlns:soapenv", nsSoapEnv)
	body.CreateAttr("xmlns:mat", nsMat)
	body.CreateAttr("xmlns:wsu", nsWSU)
	body.CreateAttr("wsu:Id", bodyID)
	body.AddChild(bodyContent)

	tsDigest, err := digestElement(ts)
	if err != nil {
		return "", fmt.Errorf("wsse: digesting timestamp: %w", err)
	}
	bodyDigest, err := digestElement(body)
	if err != nil {
		return "", fmt.Errorf("wsse: digesting body: %w", err)
	}

	sig := etree.NewElement("ds:Signature")
	sig.CreateAttr("xmlns:ds", nsDS)

	signedInfo := sig.CreateElement("ds:SignedInfo")
	signedInfo.CreateAttr("xmlns:ds", nsDS)
	signedInfo.CreateElement("ds:CanonicalizationMethod").CreateAttr("Algorithm", algExcC14N)
	signedInfo.CreateElement("ds:SignatureMethod").CreateAttr("Algorithm", algRSASHA1)
	addReference(signedInfo, tsID, tsDigest)
	addReference(signedInfo, bodyID, bodyDigest)

	sigValue, err := s.signElement(signedInfo)
	if err != nil {
		return "", fmt.Errorf("wsse: signing: %w", err)
	}
	sig.CreateElement("ds:SignatureValue").SetText(sigValue)

	keyInfo := sig.CreateElement("ds:KeyInfo")
	str := keyInfo.CreateElement("wsse:SecurityTokenReference")
	str.CreateAttr("xmlns:wsse", nsWSSE)
	ref := str.CreateElement("wsse:Reference")
	ref.CreateAttr("URI", "#"+bstID)
	ref.CreateAttr("ValueType", bstX509v3)

	sec.AddChild(sig)

	doc.WriteSettings.CanonicalEndTags = true
	out, err := doc.WriteToString()
	if err != nil {
		return "", err
	}
	return `<?xml version="1.0" encoding="UTF-8"?>` + out, nil
}

func addReference(signedInfo *etree.Element, id string, digest string) {
	ref := signedInfo.CreateElement("ds:Reference")
	ref.CreateAttr("URI", "#"+id)
	transforms := ref.CreateElement("ds:Transforms")
	transforms.CreateElement("ds:Transform").CreateAttr("Algorithm", algExcC14N)
	ref.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", algSHA1)
	ref.CreateElement("ds:DigestValue").SetText(digest)
}

// digestElement canonicalizes (exc-c14n, empty inclusive prefix list) and
// returns the base64 sha1.
func digestElement(el *etree.Element) (string, error) {
	canon, err := dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("").Canonicalize(el)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum(canon)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

func (s *Signer) signElement(el *etree.Element) (string, error) {
	canon, err := dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("").Canonicalize(el)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum(canon)
	sigBytes, err := rsa.SignPKCS1v15(rand.Reader, s.Key, crypto.SHA1, sum[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sigBytes), nil
}
