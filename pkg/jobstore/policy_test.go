package jobstore

import (
	"errors"
	"testing"
	"time"
)

func intPtr(v int) *int {
	return &v
}

func TestPolicy_Allows(t *testing.T) {
	policy := Policy{MinPriority: intPtr(1), MaxPriority: intPtr(5), Queues: []string{"mail"}}
	tests := []struct {
		priority int
		queue    string
		want     bool
	}{
		{0, "mail", false},
		{1, "mail", true},
		{5, "mail", true},
		{6, "mail", false},
		{3, "sms", false},
		{3, "", false},
	}
	for _, tt := range tests {
		if got := policy.Allows(tt.priority, tt.queue); got != tt.want {
			t.Errorf("Allows(%d, %q) = %v, want %v", tt.priority, tt.queue, got, tt.want)
		}
	}
	if !(Policy{}).Allows(-100, "") {
		t.Fatal("expected empty policy to allow everything")
	}
}

func TestPolicy_Validate(t *testing.T) {
	if err := (Policy{MinPriority: intPtr(3), MaxPriority: intPtr(3)}).Validate(); err != nil {
		t.Fatalf("expected equal bounds valid, got %v", err)
	}
	if err := (Policy{MinPriority: intPtr(4), MaxPriority: intPtr(3)}).Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for inverted bounds, got %v", err)
	}
	if err := (Policy{Queues: []string{"mail", " "}}).Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for blank queue, got %v", err)
	}
}

func TestClaimable(t *testing.T) {
	maxRunTime := 10 * time.Minute
	at := func(age time.Duration) *time.Time {
		ts := testEpoch.Add(-age)
		return &ts
	}
	tests := []struct {
		name     string
		lockedAt *time.Time
		lockedBy string
		want     bool
	}{
		{"unlocked", nil, "", true},
		{"own fresh lock", at(time.Second), "w1", true},
		{"foreign fresh lock", at(time.Second), "w2", false},
		{"foreign lock at exactly max run time", at(maxRunTime), "w2", false},
		{"foreign stale lock", at(maxRunTime + time.Second), "w2", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Claimable(tt.lockedAt, tt.lockedBy, testEpoch, maxRunTime, "w1"); got != tt.want {
				t.Fatalf("Claimable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReadyToRun(t *testing.T) {
	if ReadyToRun(nil, testEpoch, time.Minute, "w1") {
		t.Fatal("nil record must not be ready")
	}
	if ReadyToRun(NewRecord(WithFailedAt(testEpoch)), testEpoch, time.Minute, "w1") {
		t.Fatal("failed record must not be ready")
	}
	if ReadyToRun(NewRecord(WithRunAt(testEpoch.Add(time.Second))), testEpoch, time.Minute, "w1") {
		t.Fatal("future record must not be ready")
	}
	if !ReadyToRun(NewRecord(WithRunAt(testEpoch)), testEpoch, time.Minute, "w1") {
		t.Fatal("due record must be ready")
	}
}

func TestValidateClaim(t *testing.T) {
	if err := ValidateClaim(" ", time.Minute); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for blank worker, got %v", err)
	}
	if err := ValidateClaim("w1", 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for zero max run time, got %v", err)
	}
	if err := ValidateClaim("w1", time.Second); err != nil {
		t.Fatalf("expected valid claim, got %v", err)
	}
}

func TestSortCandidates(t *testing.T) {
	candidates := []Candidate{
		{Key: "c", Priority: 2, RunAt: testEpoch},
		{Key: "b", Priority: 1, RunAt: testEpoch},
		{Key: "a", Priority: 2, RunAt: testEpoch.Add(-time.Second)},
		{Key: "d", Priority: 2, RunAt: testEpoch},
	}
	SortCandidates(candidates)

	want := []string{"b", "a", "c", "d"}
	for idx, key := range want {
		if candidates[idx].Key != key {
			t.Fatalf("position %d: want %s, got %+v", idx, key, candidates)
		}
	}
}
