package fingerprint

import "strings"

// IPClass buckets a caller address by where it likely originates.
type IPClass string

const (
	IPPrivate     IPClass = "private"
	IPDatacenter  IPClass = "datacenter"
	IPResidential IPClass = "residential"
)

// datacenterPrefixes covers common cloud provider ranges. Deliberately a
// coarse prefix table: exact ASN lookups are an external-feed concern.
var datacenterPrefixes = []string{
	// AWS
	"3.", "13.", "18.", "34.", "52.", "54.",
	// GCP
	"35.", "104.154.", "104.196.", "130.211.",
	// Azure
	"20.", "40.", "104.40.", "137.116.",
	// DigitalOcean
	"45.55.", "104.131.", "138.68.", "159.89.", "167.99.", "178.62.",
	// OVH / Hetzner
	"51.38.", "51.68.", "51.75.", "135.181.", "95.216.", "65.108.", "65.21.",
	// Linode / Vultr
	"45.33.", "45.56.", "45.63.", "45.76.", "66.228.", "108.61.",
}

var privatePrefixes = []string{
	"10.", "127.", "192.168.", "169.254.",
	"172.16.", "172.17.", "172.18.", "172.19.", "172.20.", "172.21.",
	"172.22.", "172.23.", "172.24.", "172.25.", "172.26.", "172.27.",
	"172.28.", "172.29.", "172.30.", "172.31.",
}

// ClassifyIP maps an IPv4 address to private/datacenter/residential by
// prefix. Anything unrecognized counts as residential.
func ClassifyIP(ip string) IPClass {
	for _, p := range privatePrefixes {
		if strings.HasPrefix(ip, p) {
			return IPPrivate
		}
	}
	for _, p := range datacenterPrefixes {
		if strings.HasPrefix(ip, p) {
			return IPDatacenter
		}
	}
	return IPResidential
}

// IPPrefix returns the first three octets of an IPv4 address ("1.2.3"
// for "1.2.3.4"), or the whole string when it has fewer than four parts.
func IPPrefix(ip string) string {
	parts := strings.Split(ip, ".")
	if len(parts) < 4 {
		return ip
	}
	return strings.Join(parts[:3], ".")
}
