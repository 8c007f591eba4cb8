package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"regexp"
	"strings"
)

var secretPattern = regexp.MustCompile(`(?i)(password|token|secret|key|api_key)=([^\s&]+)`)

func RedactPasteContent(content string) string {
	if len(content) == 0 {
		return ""
	}
	if len(content) <= 20 {
		return "[REDACTED]"
	}
	return content[:10] + "...[REDACTED]..." + content[len(content)-10:]
}

// RedactOwner keeps the first character of the local part and the domain:
// alice@example.com becomes a***@example.com.
func RedactOwner(owner string) string {
	if owner == "" {
		return ""
	}
	at := strings.LastIndex(owner, "@")
	if at <= 0 {
		hash := sha256.Sum256([]byte(owner))
		return "hash:" + hex.EncodeToString(hash[:6])
	}
	return owner[:1] + "***" + owner[at:]
}
func RedactSecret(s string) string {
	return secretPattern.ReplaceAllString(s, "$1=[REDACTED]")
}
func RedactIP(ip string) string {
	host, _, err := net.SplitHostPort(ip)
	if err == nil {
		ip = host
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		hash := sha256.Sum256([]byte(ip))
		return "hash:" + hex.EncodeToString(hash[:8])
	}
	if ipv4 := parsed.To4(); ipv4 != nil {
		ipv4[3] = 0
		return ipv4.String()
	}
	ipv6 := parsed.To16()
	for i := 4; i < 16; i++ {
		ipv6[i] = 0
	}
	return ipv6.String()
}
