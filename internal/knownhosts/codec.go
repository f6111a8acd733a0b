// Copyright (c) 2026 ToeiRei
// KHM - SSH known_hosts manager
// This source code is licensed under the MIT license found in the LICENSE file.

// package knownhosts parses and serializes the OpenSSH known_hosts textual
// format. The parser is line-oriented and forgiving: malformed lines are
// counted and skipped, never fatal. The serializer always emits LF line
// endings regardless of host platform.
package knownhosts // import "github.com/toeirei/khm/internal/knownhosts"

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/crypto/ssh"
)

// keyTypes is the set of key algorithms accepted in a known_hosts entry.
var keyTypes = map[string]bool{
	"ssh-rsa":             true,
	"ssh-dss":             true,
	"ssh-ed25519":         true,
	"ecdsa-sha2-nistp256": true,
	"ecdsa-sha2-nistp384": true,
	"ecdsa-sha2-nistp521": true,
}

var base64Body = regexp.MustCompile(`^[A-Za-z0-9+/]+=*$`)

// Entry is one known_hosts line split into its components. Hosts is kept
// verbatim; it may be a single name, a "host,alias" list, or a hashed
// "|1|..." token.
type Entry struct {
	Hosts   string
	KeyType string
	KeyData string
	Comment string
}

// PublicKey returns the key text as stored by the server: algorithm prefix
// and base64 body, no comment.
func (e Entry) PublicKey() string {
	return e.KeyType + " " + e.KeyData
}

// Line serializes the entry back to a known_hosts line (without newline).
func (e Entry) Line() string {
	if e.Comment != "" {
		return fmt.Sprintf("%s %s %s %s", e.Hosts, e.KeyType, e.KeyData, e.Comment)
	}
	return fmt.Sprintf("%s %s %s", e.Hosts, e.KeyType, e.KeyData)
}

// Result is the outcome of parsing a known_hosts stream. Skipped counts
// malformed lines. Comments is only populated when the parser was asked to
// keep them.
type Result struct {
	Entries  []Entry
	Comments []string
	Skipped  int
}

// Parser reads known_hosts data. The zero value discards comment and blank
// lines, which is what the server does.
type Parser struct {
	// KeepComments retains comment and blank lines, in file order.
	KeepComments bool
}

// Parse reads r line by line. Malformed lines increment Skipped; they never
// abort the parse. The only error returned is a read failure on r.
func (p Parser) Parse(r io.Reader) (Result, error) {
	var res Result
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			if p.KeepComments {
				res.Comments = append(res.Comments, line)
			}
			continue
		}
		entry, err := ParseLine(trimmed)
		if err != nil {
			res.Skipped++
			continue
		}
		res.Entries = append(res.Entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("failed to read known_hosts data: %w", err)
	}
	return res, nil
}

// ParseLine splits a single non-comment known_hosts line into its
// components: host field, key type, base64 key data, and optional trailing
// comment.
func ParseLine(line string) (Entry, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return Entry{}, fmt.Errorf("invalid known_hosts entry: expected at least 3 fields, got %d", len(fields))
	}
	if !keyTypes[fields[1]] {
		return Entry{}, fmt.Errorf("unknown key type %q", fields[1])
	}
	if !base64Body.MatchString(fields[2]) {
		return Entry{}, fmt.Errorf("key data is not valid base64")
	}
	entry := Entry{
		Hosts:   fields[0],
		KeyType: fields[1],
		KeyData: fields[2],
	}
	if len(fields) > 3 {
		entry.Comment = strings.Join(fields[3:], " ")
	}
	return entry, nil
}

// ValidPublicKey reports whether s is a syntactically acceptable public key
// in "keytype base64" form. This is the same grammar ParseLine enforces for
// the key half of an entry.
func ValidPublicKey(s string) bool {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return false
	}
	return keyTypes[fields[0]] && base64Body.MatchString(fields[1])
}

// Serialize writes one line per entry to w, LF-terminated.
func Serialize(w io.Writer, entries []Entry) error {
	for _, e := range entries {
		if _, err := io.WriteString(w, e.Line()+"\n"); err != nil {
			return fmt.Errorf("failed to write known_hosts entry: %w", err)
		}
	}
	return nil
}

// CheckHostKeyAlgorithm inspects the public key's algorithm and returns a
// warning message if the algorithm is considered weak or deprecated.
func CheckHostKeyAlgorithm(key ssh.PublicKey) string {
	switch key.Type() {
	case "ssh-dss":
		return "host key uses deprecated and insecure ssh-dss (DSA) algorithm"
	case ssh.KeyAlgoRSA:
		return "host key uses ssh-rsa, which is disabled by default in modern OpenSSH"
	default:
		return ""
	}
}

// AlgorithmWarning parses a stored "keytype base64" key and returns a
// weak-algorithm warning, or "" if the key parses and its algorithm is fine.
// Keys that do not decode as SSH wire format produce no warning; the store
// only requires syntactic acceptance.
func AlgorithmWarning(publicKey string) string {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	if err != nil {
		return ""
	}
	return CheckHostKeyAlgorithm(pub)
}
