package pmode

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phax/phase4-sub011/pkg/mep"
)

func testParty(id, role string) Party {
	return Party{IDType: "urn:oasis:tc:ebcore:partyid-type:unregistered", IDValue: id, Role: role}
}

func testPMode(id, service, action string) *ProcessingMode {
	return &ProcessingMode{
		ID:         id,
		MEP:        mep.OneWay,
		MEPBinding: mep.BindingPush,
		Initiator:  testParty("sender", "Sender"),
		Responder:  testParty("receiver", "Receiver"),
		Legs: []Leg{{
			Protocol: Protocol{Address: "https://receiver.example.com/as4", SOAPVersion: "1.2"},
			BusinessInfo: BusinessInfo{
				Service: service,
				Action:  action,
				MPC:     DefaultMPC,
			},
		}},
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid one-way", func(t *testing.T) {
		assert.NoError(t, testPMode("p1", "S", "A").Validate())
	})

	t.Run("missing id", func(t *testing.T) {
		pm := testPMode("", "S", "A")
		assert.ErrorIs(t, pm.Validate(), ErrInvalidPMode)
	})

	t.Run("leg count mismatch", func(t *testing.T) {
		pm := testPMode("p1", "S", "A")
		pm.MEP = mep.TwoWay
		assert.ErrorIs(t, pm.Validate(), ErrInvalidPMode)
	})

	t.Run("unknown MEP", func(t *testing.T) {
		pm := testPMode("p1", "S", "A")
		pm.MEP = "urn:example:bogus"
		assert.ErrorIs(t, pm.Validate(), ErrInvalidPMode)
	})

	t.Run("signing without certificate ref", func(t *testing.T) {
		pm := testPMode("p1", "S", "A")
		pm.Legs[0].Security = &LegSecurity{
			Sign: SignPolicy{Enabled: true, Algorithm: AlgoRSASHA256, Digest: DigestSHA256},
		}
		assert.ErrorIs(t, pm.Validate(), ErrInvalidPMode)
	})

	t.Run("encryption without algorithm", func(t *testing.T) {
		pm := testPMode("p1", "S", "A")
		pm.Legs[0].Security = &LegSecurity{
			Encrypt: EncryptPolicy{Enabled: true, CertificateRef: "receiver-cert"},
		}
		assert.ErrorIs(t, pm.Validate(), ErrInvalidPMode)
	})

	t.Run("bad SOAP version", func(t *testing.T) {
		pm := testPMode("p1", "S", "A")
		pm.Legs[0].Protocol.SOAPVersion = "2.0"
		assert.ErrorIs(t, pm.Validate(), ErrInvalidPMode)
	})
}

func TestLegForMPC(t *testing.T) {
	pm := testPMode("p1", "S", "A")
	pm.Legs[0].BusinessInfo.MPC = ""

	assert.NotNil(t, pm.LegForMPC(""))
	assert.NotNil(t, pm.LegForMPC(DefaultMPC))
	assert.Nil(t, pm.LegForMPC("urn:example:other-mpc"))
}

func TestRegistryCRUD(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	pm := testPMode("p1", "S", "A")
	require.NoError(t, reg.Create(ctx, pm))
	assert.ErrorIs(t, reg.Create(ctx, pm), ErrDuplicateID)

	got, err := reg.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, pm, got)

	_, err = reg.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	pm2 := testPMode("p1", "S2", "A2")
	require.NoError(t, reg.Update(ctx, pm2))
	got, err = reg.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "S2", got.Leg1().BusinessInfo.Service)

	assert.ErrorIs(t, reg.Update(ctx, testPMode("missing", "S", "A")), ErrNotFound)

	all, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, reg.Delete(ctx, "p1"))
	assert.ErrorIs(t, reg.Delete(ctx, "p1"), ErrNotFound)
}

func TestRegistryFind(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	require.NoError(t, reg.Create(ctx, testPMode("p1", "S", "A")))

	pm, err := reg.Find(ctx, "S", "A")
	require.NoError(t, err)
	assert.Equal(t, "p1", pm.ID)

	_, err = reg.Find(ctx, "S", "other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryGetOrCreate(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	calls := 0
	build := func() *ProcessingMode {
		calls++
		return testPMode("lazy", "S", "A")
	}

	pm1, err := reg.GetOrCreate(ctx, "lazy", build)
	require.NoError(t, err)
	pm2, err := reg.GetOrCreate(ctx, "lazy", build)
	require.NoError(t, err)

	assert.Same(t, pm1, pm2)
	assert.Equal(t, 1, calls)
}

func TestRegistryGetOrCreateConcurrent(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	const n = 32
	results := make([]*ProcessingMode, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pm, err := reg.GetOrCreate(ctx, "shared", func() *ProcessingMode {
				return testPMode("shared", "S", "A")
			})
			require.NoError(t, err)
			results[i] = pm
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i])
	}
}

func TestDefaultProcessingMode(t *testing.T) {
	pm := DefaultProcessingMode(testParty("a", "Sender"), testParty("b", "Receiver"), "https://b.example.com/as4")
	require.NoError(t, pm.Validate())

	assert.Equal(t, mep.OneWay, pm.MEP)
	assert.Equal(t, mep.BindingPush, pm.MEPBinding)
	assert.Equal(t, DefaultMPC, pm.Leg1().BusinessInfo.MPC)

	ra := pm.Leg1().ReceptionAwareness
	require.NotNil(t, ra)
	assert.True(t, ra.Enabled)
	assert.True(t, ra.DuplicateElimination)
	assert.Equal(t, 3, ra.MaxRetries)
	assert.Equal(t, 10*time.Second, ra.RetryInterval)
}
