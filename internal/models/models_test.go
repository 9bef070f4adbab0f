package models

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestDedupeKeyIsStableAndDiscriminating(t *testing.T) {
	strategy := common.HexToAddress("0x1111111111111111111111111111111111111111")
	contributor := common.HexToAddress("0x2222222222222222222222222222222222222222")
	txHash := common.HexToHash("0xaaaa")

	base := DedupeKey(strategy, contributor, txHash, 0)
	if !strings.HasPrefix(base, "0x") || len(base) != 66 {
		t.Fatalf("dedupe key %q is not a 32-byte hex hash", base)
	}

	if again := DedupeKey(strategy, contributor, txHash, 0); again != base {
		t.Errorf("same inputs produced different keys: %s vs %s", base, again)
	}

	variants := map[string]string{
		"log index":   DedupeKey(strategy, contributor, txHash, 1),
		"tx hash":     DedupeKey(strategy, contributor, common.HexToHash("0xbbbb"), 0),
		"contributor": DedupeKey(strategy, strategy, txHash, 0),
		"strategy":    DedupeKey(contributor, contributor, txHash, 0),
	}
	for field, key := range variants {
		if key == base {
			t.Errorf("changing %s did not change the dedupe key", field)
		}
	}
}

func TestTaskStatusOrdering(t *testing.T) {
	tests := []struct {
		from TaskStatus
		to   TaskStatus
		want bool
	}{
		{TaskStatusDetected, TaskStatusQuoted, true},
		{TaskStatusQuoted, TaskStatusSwapped, true},
		{TaskStatusSwapped, TaskStatusDeposited, true},
		{TaskStatusDeposited, TaskStatusConfirmed, true},
		{TaskStatusDetected, TaskStatusSwapped, false},   // skips
		{TaskStatusSwapped, TaskStatusQuoted, false},     // regresses
		{TaskStatusConfirmed, TaskStatusFailed, false},   // terminal
		{TaskStatusFailed, TaskStatusQuoted, false},      // terminal
		{TaskStatusDetected, TaskStatusFailed, true},     // fail anywhere
		{TaskStatusDeposited, TaskStatusFailed, true},
	}
	for _, tt := range tests {
		if got := tt.from.CanAdvanceTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTaskStatusPredicates(t *testing.T) {
	for _, s := range []TaskStatus{TaskStatusConfirmed, TaskStatusFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []TaskStatus{TaskStatusDetected, TaskStatusQuoted, TaskStatusSwapped, TaskStatusDeposited} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	if !TaskStatusFailed.Valid() || TaskStatus("BOGUS").Valid() {
		t.Error("Valid misclassifies statuses")
	}
}

func TestAmountInWei(t *testing.T) {
	task := &SettlementTask{TaskID: "t", AmountIn: "1000000000000000000"}
	amount, err := task.AmountInWei()
	if err != nil {
		t.Fatalf("AmountInWei: %v", err)
	}
	if amount.String() != "1000000000000000000" {
		t.Errorf("amount = %s", amount)
	}

	task.AmountIn = "not-a-number"
	if _, err := task.AmountInWei(); err == nil {
		t.Error("expected error for malformed amount")
	}
}
