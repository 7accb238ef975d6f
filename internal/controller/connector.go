package controller

import (
	"context"
	"log"
	"path/filepath"

	"github.com/photonpay/photond/internal/config"
	"github.com/photonpay/photond/internal/eventbus"
	"github.com/photonpay/photond/internal/lndrpc"
	"github.com/photonpay/photond/internal/profile"
)

// localNodeHost is where a locally spawned node serves gRPC.
const localNodeHost = "localhost:10009"

// NodeConnector is the production SessionConnector: it derives endpoint and
// credentials from the profile and dials through the lndrpc package.
type NodeConnector struct {
	Bus   *eventbus.Bus
	Paths config.InstancePaths
}

func (n *NodeConnector) Connect(ctx context.Context, kind lndrpc.ServiceKind, p profile.Profile) (Session, error) {
	session, err := lndrpc.Connect(ctx, kind, n.credentialsFor(kind, p), n.Bus)
	if err != nil {
		return nil, err
	}

	// The authenticated session carries the node's push feeds; failures
	// here degrade to missing notifications, not a failed connect.
	if kind == lndrpc.ServiceLightning {
		for _, method := range []string{"subscribeInvoices", "subscribeTransactions"} {
			if err := session.Subscribe(method, nil); err != nil {
				log.Printf("[Controller] subscribe %s: %v", method, err)
			}
		}
	}
	return session, nil
}

// credentialsFor resolves the profile into concrete dial credentials. A
// local node's certificate and macaroon live under its working directory;
// custom profiles name their own paths; hosted endpoints authenticate
// server-side and present a publicly trusted certificate.
func (n *NodeConnector) credentialsFor(kind lndrpc.ServiceKind, p profile.Profile) lndrpc.Credentials {
	creds := lndrpc.Credentials{
		Host:    p.Host(),
		Ciphers: lndrpc.CipherPolicyFor(p.ConnectionType()),
	}

	switch p.ConnectionType() {
	case profile.ConnectionLocal:
		nodeDir := n.Paths.NodeDir(p.Network(), p.WalletID())
		creds.Host = localNodeHost
		creds.CertPath = filepath.Join(nodeDir, "tls.cert")
		if kind == lndrpc.ServiceLightning {
			creds.MacaroonPath = filepath.Join(nodeDir, "data", "chain", "bitcoin", p.Network(), "admin.macaroon")
		}
	case profile.ConnectionCustom:
		creds.CertPath = p.CertPath()
		if kind == lndrpc.ServiceLightning {
			creds.MacaroonPath = p.MacaroonPath()
		}
	}

	return creds
}
