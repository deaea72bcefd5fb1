package mcp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	headerAgentID   = "x-agent-id"
	headerTS        = "x-ts"
	headerSignature = "x-signature"
	headerNonce     = "x-nonce"

	signatureWindow = 5 * time.Minute
)

type authError string

func (e authError) Error() string { return string(e) }

const (
	errMissingAgent     authError = "missing x-agent-id"
	errMissingTS        authError = "missing x-ts"
	errMissingSignature authError = "missing x-signature"
	errMissingNonce     authError = "missing x-nonce"
	errBadTS            authError = "bad x-ts"
	errStale            authError = "x-ts outside window"
	errBadSignature     authError = "bad signature"
)

func canonicalString(ts string, method string, pathname string, rawBody []byte) string {
	return ts + "\n" + strings.ToUpper(method) + "\n" + pathname + "\n" + string(rawBody)
}

// canonicalStringV2 additionally binds the agent id and a caller-chosen nonce.
func canonicalStringV2(ts string, method string, pathname string, agentID string, nonce string, rawBody []byte) string {
	return ts + "\n" + strings.ToUpper(method) + "\n" + pathname + "\n" + strings.TrimSpace(agentID) + "\n" + strings.TrimSpace(nonce) + "\n" + string(rawBody)
}

func signHMAC(secret []byte, canonical string) string {
	h := hmac.New(sha256.New, secret)
	_, _ = h.Write([]byte(canonical))
	return hex.EncodeToString(h.Sum(nil))
}

// signature is what a caller puts in the auth headers.
type signature struct {
	agentID string
	ts      string
	nonce   string
	sig     string
}

func readSignature(h http.Header) (signature, error) {
	s := signature{
		agentID: strings.TrimSpace(h.Get(headerAgentID)),
		ts:      strings.TrimSpace(h.Get(headerTS)),
		nonce:   strings.TrimSpace(h.Get(headerNonce)),
		sig:     strings.ToLower(strings.TrimSpace(h.Get(headerSignature))),
	}
	switch {
	case s.agentID == "":
		return s, errMissingAgent
	case s.ts == "":
		return s, errMissingTS
	case s.sig == "":
		return s, errMissingSignature
	}
	return s, nil
}

// signRequest sets v2 auth headers on req for body.
func signRequest(req *http.Request, secret []byte, agentID, nonce string, body []byte, now time.Time) {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	req.Header.Set(headerAgentID, agentID)
	req.Header.Set(headerTS, ts)
	req.Header.Set(headerNonce, nonce)
	req.Header.Set(headerSignature, signHMAC(secret, canonicalStringV2(ts, req.Method, req.URL.Path, agentID, nonce, body)))
}

// verifyHMAC checks the request signature and returns the signed headers. The
// legacy canonical form without agent id and nonce is accepted only when
// allowLegacy is set.
func verifyHMAC(r *http.Request, rawBody []byte, secret []byte, now time.Time, allowLegacy bool) (signature, error) {
	s, err := readSignature(r.Header)
	if err != nil {
		return s, err
	}
	if s.nonce == "" && !allowLegacy {
		return s, errMissingNonce
	}
	tsMS, err := strconv.ParseInt(s.ts, 10, 64)
	if err != nil {
		return s, errBadTS
	}
	if d := time.Duration(now.UnixMilli()-tsMS) * time.Millisecond; d > signatureWindow || d < -signatureWindow {
		return s, errStale
	}

	match := func(canonical string) bool {
		return hmac.Equal([]byte(s.sig), []byte(signHMAC(secret, canonical)))
	}
	if s.nonce != "" && match(canonicalStringV2(s.ts, r.Method, r.URL.Path, s.agentID, s.nonce, rawBody)) {
		return s, nil
	}
	if allowLegacy && match(canonicalString(s.ts, r.Method, r.URL.Path, rawBody)) {
		return s, nil
	}
	return s, errBadSignature
}
