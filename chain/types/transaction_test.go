package types

import (
	"testing"
	"time"

	cmntypes "github.com/evt-chain/evtd/common/types"
)

func sampleTransaction() Transaction {
	t := Transaction{
		TransactionHeader: TransactionHeader{
			Expiration: time.Unix(1700000000, 0).UTC(),
		},
		Actions: []Action{
			{Name: "newdomain", Domain: "domain1", Key: ".create", Data: []byte("founder-key-payload")},
			{Name: "issuetoken", Domain: "domain1", Key: "token1", Data: []byte{}},
			{Name: "transfer", Domain: "domain1", Key: "token1", Data: []byte{0x01, 0x02, 0x03, 0xff}},
		},
	}
	t.SetReferenceBlock(42, cmntypes.Hash{1, 2, 3, 4, 5, 6, 7, 8})
	return t
}

func assertTransactionsEqual(t *testing.T, got, want Transaction) {
	t.Helper()
	if !got.Expiration.Equal(want.Expiration) {
		t.Fatalf("expiration = %v, want %v", got.Expiration, want.Expiration)
	}
	if got.RefBlockNum != want.RefBlockNum || got.RefBlockPrefix != want.RefBlockPrefix {
		t.Fatalf("reference block = (%d, %d), want (%d, %d)",
			got.RefBlockNum, got.RefBlockPrefix, want.RefBlockNum, want.RefBlockPrefix)
	}
	if len(got.Actions) != len(want.Actions) {
		t.Fatalf("action count = %d, want %d", len(got.Actions), len(want.Actions))
	}
	for i := range want.Actions {
		g, w := got.Actions[i], want.Actions[i]
		if g.Name != w.Name || g.Domain != w.Domain || g.Key != w.Key {
			t.Fatalf("action[%d] = %+v, want %+v", i, g, w)
		}
		if string(g.Data) != string(w.Data) {
			t.Fatalf("action[%d].Data = %q, want %q", i, g.Data, w.Data)
		}
	}
}

func TestUnpackTransactionRoundTripsActions(t *testing.T) {
	want := sampleTransaction()
	got, err := unpackTransaction(want.pack())
	if err != nil {
		t.Fatalf("unpackTransaction: %v", err)
	}
	assertTransactionsEqual(t, *got, want)
}

func TestPackedTransactionRoundTripsThroughWire(t *testing.T) {
	want := sampleTransaction()

	for _, compression := range []CompressionType{CompressionNone, CompressionZlib} {
		packed, err := NewPackedTransaction(want, nil, compression)
		if err != nil {
			t.Fatalf("NewPackedTransaction(compression=%d): %v", compression, err)
		}

		// Force a real unpack of the wire bytes instead of returning the
		// memoized value NewPackedTransaction cached.
		packed.unpacked = nil

		got, err := packed.GetTransaction()
		if err != nil {
			t.Fatalf("GetTransaction(compression=%d): %v", compression, err)
		}
		assertTransactionsEqual(t, got, want)

		if got.ID() != want.ID() {
			t.Fatalf("ID mismatch after round trip (compression=%d)", compression)
		}
	}
}

func TestSetReferenceBlockRoundTripsBlockNum(t *testing.T) {
	var h TransactionHeader
	id := cmntypes.Hash{0, 0, 0, 0, 9, 9, 9, 9}
	h.SetReferenceBlock(7, id)
	if h.RefBlockNum != 7 {
		t.Fatalf("RefBlockNum = %d, want 7", h.RefBlockNum)
	}
	if !h.VerifyReferenceBlock(id) {
		t.Fatal("VerifyReferenceBlock should succeed against the same id")
	}
	other := cmntypes.Hash{0, 0, 0, 0, 1, 1, 1, 1}
	if h.VerifyReferenceBlock(other) {
		t.Fatal("VerifyReferenceBlock should fail against a different id's prefix")
	}
}
