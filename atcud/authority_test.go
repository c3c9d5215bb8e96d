package atcud

import (
	"crypto/rand"
	stdrsa "crypto/rsa"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/require"

	"github.com/alapierre/go-atcud/atcud/aes"
	"github.com/alapierre/go-atcud/atcud/keys"
	"github.com/alapierre/go-atcud/atcud/keys/keystest"
	"github.com/alapierre/go-atcud/atcud/rsa"
)

type pki struct {
	ca       *keystest.CA
	server   *keystest.Leaf
	client   *keystest.Leaf
	atKey    *stdrsa.PrivateKey
	atPublic *rsa.PublicKey
}

var (
	pkiOnce  sync.Once
	pkiValue *pki
)

func testPKI(t *testing.T) *pki {
	t.Helper()
	pkiOnce.Do(func() {
		ca := keystest.NewCA(t)
		atKey, err := stdrsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		pkiValue = &pki{
			ca:       ca,
			server:   ca.Server(t),
			client:   ca.Client(t, "software"),
			atKey:    atKey,
			atPublic: &rsa.PublicKey{Key: &atKey.PublicKey},
		}
	})
	return pkiValue
}

func (p *pki) clientTLS(t *testing.T) *tls.Config {
	t.Helper()
	cfg, err := keys.PinnedTLSConfig(p.client.TLS, p.ca.Pool())
	require.NoError(t, err)
	return cfg
}

// authorityRequest is a decoded SOAP call seen by the fake authority.
type authorityRequest struct {
	Op       string
	Fields   map[string]string
	Username string
	Password string
	Created  string
}

type reply struct {
	status int
	body   string
	// hang keeps the connection open until the client gives up.
	hang bool
}

// fakeAuthority is a mutually authenticated TLS 1.2 server that decrypts the
// security token like the real service does.
type fakeAuthority struct {
	pki     *pki
	srv     *httptest.Server
	respond func(n int, req authorityRequest) reply

	mu       sync.Mutex
	requests []authorityRequest
}

func newFakeAuthority(t *testing.T, respond func(n int, req authorityRequest) reply) *fakeAuthority {
	t.Helper()
	p := testPKI(t)
	fa := &fakeAuthority{pki: p, respond: respond}
	fa.srv = httptest.NewUnstartedServer(http.HandlerFunc(fa.handle))
	fa.srv.TLS = &tls.Config{
		Certificates: []tls.Certificate{p.server.TLS},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    p.ca.Pool(),
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS12,
	}
	fa.srv.StartTLS()
	t.Cleanup(fa.srv.Close)
	return fa
}

func (fa *fakeAuthority) handle(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := fa.decode(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	fa.mu.Lock()
	fa.requests = append(fa.requests, req)
	n := len(fa.requests)
	fa.mu.Unlock()

	rep := fa.respond(n, req)
	if rep.hang {
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
		return
	}
	if rep.status == 0 {
		rep.status = http.StatusOK
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(rep.status)
	_, _ = io.WriteString(w, rep.body)
}

func (fa *fakeAuthority) decode(raw []byte) (authorityRequest, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return authorityRequest{}, err
	}
	root := doc.Root()
	ut := findLocal(root, "UsernameToken")
	body := findLocal(root, "Body")
	if ut == nil || body == nil || len(body.ChildElements()) != 1 {
		return authorityRequest{}, fmt.Errorf("malformed envelope")
	}

	dec := base64.StdEncoding
	nonce, err := dec.DecodeString(childText(ut, "Nonce"))
	if err != nil {
		return authorityRequest{}, err
	}
	key, err := stdrsa.DecryptPKCS1v15(rand.Reader, fa.pki.atKey, nonce)
	if err != nil {
		return authorityRequest{}, err
	}
	password, err := decryptField(childText(ut, "Password"), key)
	if err != nil {
		return authorityRequest{}, err
	}
	created, err := decryptField(childText(ut, "Created"), key)
	if err != nil {
		return authorityRequest{}, err
	}

	call := body.ChildElements()[0]
	req := authorityRequest{
		Op:       call.Tag,
		Fields:   map[string]string{},
		Username: childText(ut, "Username"),
		Password: password,
		Created:  created,
	}
	for _, f := range call.ChildElements() {
		req.Fields[f.Tag] = f.Text()
	}
	return req, nil
}

func decryptField(b64 string, key []byte) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", err
	}
	plain, err := aes.DecryptECBPKCS7(ct, key)
	return string(plain), err
}

func (fa *fakeAuthority) calls() []authorityRequest {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return append([]authorityRequest(nil), fa.requests...)
}

func resultXML(op, code, msg, infoSerie string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<S:Envelope xmlns:S="http://schemas.xmlsoap.org/soap/envelope/">
  <S:Body>
    <ns2:` + op + `Resp xmlns:ns2="http://at.gov.pt/">
      <infoResultOper>
        <codResultOper>` + code + `</codResultOper>
        <msgResultOper>` + msg + `</msgResultOper>
      </infoResultOper>` + infoSerie + `
    </ns2:` + op + `Resp>
  </S:Body>
</S:Envelope>`
}

func infoSerieXML(wire, docType, code string) string {
	return `
      <infoSerie>
        <serie>` + wire + `</serie>
        <tipoSerie>N</tipoSerie>
        <classeDoc>SI</classeDoc>
        <tipoDoc>` + docType + `</tipoDoc>
        <numInicialSeq>1</numInicialSeq>
        <codValidacaoSerie>` + code + `</codValidacaoSerie>
        <dataRegisto>2024-01-02</dataRegisto>
        <estado>A</estado>
      </infoSerie>`
}

func faultXML(code, msg string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<S:Envelope xmlns:S="http://schemas.xmlsoap.org/soap/envelope/">
  <S:Body>
    <S:Fault>
      <faultcode>S:Server</faultcode>
      <faultstring>` + msg + `</faultstring>
      <detail>
        <ns2:registarSerieFault xmlns:ns2="http://at.gov.pt/">
          <codResultOper>` + code + `</codResultOper>
          <msgResultOper>` + msg + `</msgResultOper>
        </ns2:registarSerieFault>
      </detail>
    </S:Fault>
  </S:Body>
</S:Envelope>`
}
