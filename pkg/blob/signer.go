package blob

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"
)

// s3Signer implements AWS Signature Version 4 for path-style requests.
type s3Signer struct {
	accessKey string
	secretKey string
	region    string
	token     string
	now       func() time.Time
}

func (s *s3Signer) Sign(req *http.Request, payloadHash string) error {
	if s.now == nil {
		s.now = time.Now
	}
	t := s.now().UTC()
	amzDate := t.Format("20060102T150405Z")
	dateStamp := t.Format("20060102")
	req.Header.Set("x-amz-date", amzDate)
	req.Header.Set("host", req.URL.Host)
	if payloadHash == "" {
		payloadHash = emptyPayloadHash()
	}
	canonicalURI := canonicalURI(req.URL)
	canonicalQuery := canonicalQueryString(req.URL)
	canonicalHeaders, signedHeaders := canonicalHeaderStrings(req.Header)
	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI,
		canonicalQuery,
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")
	hashedRequest := sha256.Sum256([]byte(canonicalRequest))
	credentialScope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, s.region)
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		credentialScope,
		hex.EncodeToString(hashedRequest[:]),
	}, "\n")
	signingKey := s.deriveKey(dateStamp)
	signature := hmacSHA256Hex(signingKey, stringToSign)
	authHeader := fmt.Sprintf("AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		s.accessKey, credentialScope, signedHeaders, signature)
	req.Header.Set("Authorization", authHeader)
	if s.token != "" {
		req.Header.Set("x-amz-security-token", s.token)
	}
	return nil
}

func (s *s3Signer) deriveKey(date string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+s.secretKey), date)
	kRegion := hmacSHA256(kDate, s.region)
	kService := hmacSHA256(kRegion, "s3")
	return hmacSHA256(kService, "aws4_request")
}

type ossSigner struct {
	accessKey string
	secretKey string
}

func (o *ossSigner) Sign(req *http.Request, payloadHash string) error {
	date := time.Now().UTC().Format(http.TimeFormat)
	req.Header.Set("Date", date)
	contentMD5 := req.Header.Get("Content-MD5")
	contentType := req.Header.Get("Content-Type")
	canonicalHeaders := ossCanonicalHeaders(req.Header)
	resource := req.URL.EscapedPath()
	stringToSign := strings.Join([]string{
		req.Method,
		contentMD5,
		contentType,
		date,
		canonicalHeaders + resource,
	}, "\n")
	mac := hmac.New(sha1.New, []byte(o.secretKey))
	mac.Write([]byte(stringToSign))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	req.Header.Set("Authorization", fmt.Sprintf("OSS %s:%s", o.accessKey, signature))
	return nil
}

type cosSigner struct {
	accessKey string
	secretKey string
	now       func() time.Time
}

func (c *cosSigner) Sign(req *http.Request, payloadHash string) error {
	if c.now == nil {
		c.now = time.Now
	}
	now := c.now()
	start := now.Add(-1 * time.Minute).Unix()
	end := now.Add(15 * time.Minute).Unix()
	signTime := fmt.Sprintf("%d;%d", start, end)
	headerList, canonicalHeaders := cosCanonicalHeaders(req.Header)
	queryList, canonicalQuery := cosCanonicalQuery(req.URL)
	path := req.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	httpString := strings.Join([]string{
		strings.ToLower(req.Method),
		path,
		canonicalQuery,
		canonicalHeaders,
	}, "\n")
	httpHash := sha1.Sum([]byte(httpString))
	stringToSign := fmt.Sprintf("sha1\n%s\n%x\n", signTime, httpHash)
	signKey := hmacSHA1([]byte(c.secretKey), signTime)
	signature := hmacSHA1(signKey, stringToSign)
	auth := fmt.Sprintf("q-sign-algorithm=sha1&q-ak=%s&q-sign-time=%s&q-key-time=%s&q-header-list=%s&q-url-param-list=%s&q-signature=%s",
		c.accessKey, signTime, signTime, headerList, queryList, hex.EncodeToString(signature))
	req.Header.Set("Authorization", auth)
	return nil
}

func canonicalURI(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func canonicalQueryString(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}
	values, _ := url.ParseQuery(u.RawQuery)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, fmt.Sprintf("%s=%s", url.QueryEscape(k), url.QueryEscape(v)))
		}
	}
	return strings.Join(parts, "&")
}

func canonicalHeaderStrings(h http.Header) (string, string) {
	keys := make([]string, 0, len(h))
	lower := make(map[string][]string)
	for k, v := range h {
		lk := strings.ToLower(k)
		keys = append(keys, lk)
		lower[lk] = v
	}
	sort.Strings(keys)
	keys = unique(keys)
	var canonical []string
	var signed []string
	for _, k := range keys {
		values := make([]string, len(lower[k]))
		copy(values, lower[k])
		sort.Strings(values)
		trimmed := strings.Join(values, ",")
		canonical = append(canonical, fmt.Sprintf("%s:%s", k, strings.TrimSpace(trimmed)))
		signed = append(signed, k)
	}
	return strings.Join(canonical, "\n") + "\n", strings.Join(signed, ";")
}

func ossCanonicalHeaders(h http.Header) string {
	type kv struct {
		key   string
		value string
	}
	var headers []kv
	for k, v := range h {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, "x-oss-") {
			headers = append(headers, kv{key: lk, value: strings.Join(v, ",")})
		}
	}
	sort.Slice(headers, func(i, j int) bool {
		return headers[i].key < headers[j].key
	})
	var b strings.Builder
	for _, header := range headers {
		fmt.Fprintf(&b, "%s:%s\n", header.key, header.value)
	}
	return b.String()
}

func cosCanonicalHeaders(h http.Header) (string, string) {
	var keys []string
	values := make(map[string][]string)
	for k, v := range h {
		lk := strings.ToLower(k)
		keys = append(keys, lk)
		values[lk] = append([]string(nil), v...)
	}
	sort.Strings(keys)
	keys = unique(keys)
	var parts []string
	for _, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		joined := url.QueryEscape(strings.Join(vs, ","))
		parts = append(parts, fmt.Sprintf("%s=%s", k, joined))
	}
	return strings.Join(keys, ";"), strings.Join(parts, "&")
}

func cosCanonicalQuery(u *url.URL) (string, string) {
	if u.RawQuery == "" {
		return "", ""
	}
	raw := u.Query()
	keys := make([]string, 0, len(raw))
	values := make(map[string][]string)
	for k, v := range raw {
		lk := strings.ToLower(k)
		keys = append(keys, lk)
		cp := append([]string(nil), v...)
		values[lk] = cp
	}
	sort.Strings(keys)
	keys = unique(keys)
	var parts []string
	for _, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, fmt.Sprintf("%s=%s", k, url.QueryEscape(v)))
		}
	}
	return strings.Join(keys, ";"), strings.Join(parts, "&")
}

func unique(in []string) []string {
	if len(in) == 0 {
		return in
	}
	out := []string{in[0]}
	for i := 1; i < len(in); i++ {
		if in[i] != in[i-1] {
			out = append(out, in[i])
		}
	}
	return out
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func hmacSHA256Hex(key []byte, data string) string {
	return hex.EncodeToString(hmacSHA256(key, data))
}

func hmacSHA1(key []byte, data string) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}
