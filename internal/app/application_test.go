package app

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ProofMesh-Network/proof_layer/internal/app/domain/billing"
	"github.com/ProofMesh-Network/proof_layer/internal/app/services/ledger"
	"github.com/ProofMesh-Network/proof_layer/internal/notify"
)

func TestNew_DefaultsToMemoryStores(t *testing.T) {
	a, err := New(Stores{}, Options{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.Ledger == nil || a.Pricing == nil || a.Anchors == nil || a.Pipeline == nil {
		t.Fatal("services not wired")
	}

	// The in-memory default is usable end to end.
	_, _, err = a.Ledger.Credit(context.Background(), "tenant-1", decimal.NewFromInt(5), ledger.TxMeta{Type: billing.TxTopup})
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	balance, err := a.Ledger.GetBalance(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("balance = %s, want 5", balance)
	}
}

// channelNotifier forwards events to a channel for synchronization.
type channelNotifier struct {
	events chan notify.Event
}

func (n *channelNotifier) Notify(_ context.Context, event notify.Event) error {
	n.events <- event
	return nil
}

func TestNew_UsesInjectedNotifier(t *testing.T) {
	sink := &channelNotifier{events: make(chan notify.Event, 1)}
	a, err := New(Stores{}, Options{Notifier: sink}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if _, _, err := a.Ledger.Credit(ctx, "tenant-1", decimal.NewFromInt(5), ledger.TxMeta{Type: billing.TxTopup}); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if _, err := a.Ledger.Suspend(ctx, "tenant-1", "fraud review", "ops"); err != nil {
		t.Fatalf("Suspend: %v", err)
	}

	select {
	case event := <-sink.events:
		if event.Type != notify.EventAccountSuspended || event.TenantID != "tenant-1" {
			t.Fatalf("event = %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("suspension event never delivered")
	}
}

func TestApplication_StartStop(t *testing.T) {
	a, err := New(Stores{}, Options{QueueCapacity: 16}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
