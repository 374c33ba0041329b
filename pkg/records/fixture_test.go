package records

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opendwn/core/pkg/config"
	dwncid "github.com/opendwn/core/pkg/cid"
	"github.com/opendwn/core/pkg/events"
	"github.com/opendwn/core/pkg/identity"
	"github.com/opendwn/core/pkg/message"
	"github.com/opendwn/core/pkg/permissions"
	"github.com/opendwn/core/pkg/protocol"
	"github.com/opendwn/core/pkg/store"
)

// harness bundles a wired Handler plus the identity fixtures needed to
// produce independently-verifiable signed messages for it.
type harness struct {
	t        *testing.T
	mem      *store.Memory
	resolver *identity.StaticResolver
	stream   *events.Stream
	handler  *Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := store.NewMemory()
	resolver := identity.NewStaticResolver()
	verifier := identity.NewVerifier(resolver)
	cache := protocol.NewCache()
	protoEngine := protocol.NewEngine(cache, mem.Messages)
	grants, err := permissions.NewEngine(mem.Messages)
	require.NoError(t, err)
	stream := events.NewStream()

	cfg := &config.Config{SmallPayloadThresholdBytes: 1024}
	h, err := NewHandler(mem.Messages, mem.Data, mem.Events, mem.Tasks, stream, verifier, protoEngine, cache, grants, cfg)
	require.NoError(t, err)

	return &harness{t: t, mem: mem, resolver: resolver, stream: stream, handler: h}
}

// party is one signing identity registered against the harness's resolver.
type party struct {
	did string
	kr  *identity.Keyring
}

func (h *harness) newParty(did string) *party {
	h.t.Helper()
	kr, doc, err := identity.NewKeyring(did)
	require.NoError(h.t, err)
	h.resolver.Put(doc)
	return &party{did: did, kr: kr}
}

// sign computes the message's MCID, signs it as p, and attaches the
// resulting Authorization to msg.
func (p *party) sign(t *testing.T, msg *message.Message) {
	t.Helper()
	p.signAs(t, msg, identity.JWSPayload{})
}

func (p *party) signAs(t *testing.T, msg *message.Message, extra identity.JWSPayload) {
	t.Helper()
	mcid, err := msg.CID()
	require.NoError(t, err)
	extra.DescriptorCid = mcid.String()
	compact, err := p.kr.Sign(context.Background(), extra)
	require.NoError(t, err)
	if msg.Authorization == nil {
		msg.Authorization = &message.Authorization{}
	}
	msg.Authorization.Signature = compact
}

// dataCID is a test helper computing the data CID the same way the
// handler does, for building descriptor.dataCid/dataSize ahead of a call.
func dataCID(t *testing.T, payload []byte) string {
	t.Helper()
	c, err := dwncid.FromData(payload)
	require.NoError(t, err)
	return c.String()
}
