package monitoring

import "testing"

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("expected Metrics, got nil")
	}
	if m.Registry == nil {
		t.Fatal("expected a private registry")
	}

	if m.MessagesSent == nil {
		t.Error("expected MessagesSent to be initialized")
	}
	if m.MessagesReceived == nil {
		t.Error("expected MessagesReceived to be initialized")
	}
	if m.HandleTransitions == nil {
		t.Error("expected HandleTransitions to be initialized")
	}
	if m.PeerStateChanges == nil {
		t.Error("expected PeerStateChanges to be initialized")
	}
	if m.ActivePeers == nil {
		t.Error("expected ActivePeers to be initialized")
	}
	if m.DocumentsUnavailable == nil {
		t.Error("expected DocumentsUnavailable to be initialized")
	}
	if m.StorageSaveDuration == nil {
		t.Error("expected StorageSaveDuration to be initialized")
	}
	if m.StorageLoadDuration == nil {
		t.Error("expected StorageLoadDuration to be initialized")
	}
	if m.StorageErrors == nil {
		t.Error("expected StorageErrors to be initialized")
	}
	if m.BytesSent == nil {
		t.Error("expected BytesSent to be initialized")
	}
	if m.BytesReceived == nil {
		t.Error("expected BytesReceived to be initialized")
	}
}

func TestNewMetricsTwiceDoesNotPanic(t *testing.T) {
	// Each Metrics owns a private registry, so constructing more than
	// one in the same process (as a Repo-per-test suite does) must not
	// hit promauto's duplicate-registration panic.
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("NewMetrics panicked on second call: %v", r)
		}
	}()
	_ = NewMetrics()
	_ = NewMetrics()
}
