package lndrpc

import (
	"os"
	"strings"
	"sync"

	"github.com/photonpay/photond/internal/profile"
)

// cipherEnvVar is read by the gRPC C cores that some node builds link
// against. The Go client ignores it, but a local node inherits the daemon
// environment, so it must be populated before the first spawn.
const cipherEnvVar = "GRPC_SSL_CIPHER_SUITES"

// A node presents a self-signed ECDSA certificate whether it was spawned
// locally or runs on the user's own remote host; only hosted endpoints sit
// behind RSA-terminating load balancers. The suite order is significant and
// must not be reshuffled.
var (
	nodeCipherSuites = []string{
		"ECDHE-ECDSA-AES128-GCM-SHA256",
		"ECDHE-ECDSA-AES256-GCM-SHA384",
		"ECDHE-ECDSA-AES128-SHA256",
		"ECDHE-ECDSA-AES256-SHA384",
		"ECDHE-ECDSA-CHACHA20-POLY1305",
	}
	hostedCipherSuites = []string{
		"ECDHE-RSA-AES128-GCM-SHA256",
		"ECDHE-RSA-AES256-GCM-SHA384",
		"ECDHE-ECDSA-AES128-GCM-SHA256",
		"ECDHE-ECDSA-AES256-GCM-SHA384",
		"ECDHE-RSA-CHACHA20-POLY1305",
		"ECDHE-ECDSA-CHACHA20-POLY1305",
	}
)

// CipherPolicy is the ordered cipher suite list negotiated for a session.
type CipherPolicy struct {
	Suites []string
}

// CipherPolicyFor returns the cipher policy matching the connection type.
func CipherPolicyFor(ct profile.ConnectionType) CipherPolicy {
	if ct == profile.ConnectionHosted {
		return CipherPolicy{Suites: append([]string(nil), hostedCipherSuites...)}
	}
	return CipherPolicy{Suites: append([]string(nil), nodeCipherSuites...)}
}

// String renders the policy in the colon-separated form the environment
// variable expects.
func (p CipherPolicy) String() string {
	return strings.Join(p.Suites, ":")
}

var cipherEnvOnce sync.Once

// EnsureProcessCipherEnv writes the policy into the process environment once
// per process, and only when the operator has not set the variable
// themselves. Later calls with a different policy are no-ops: the variable
// is read at child spawn time and must stay stable for the process lifetime.
func EnsureProcessCipherEnv(p CipherPolicy) {
	cipherEnvOnce.Do(func() {
		if os.Getenv(cipherEnvVar) != "" {
			return
		}
		os.Setenv(cipherEnvVar, p.String())
	})
}
