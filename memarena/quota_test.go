package memarena

import "testing"

func TestQuotaCheckerNilIsPermissive(t *testing.T) {
	var q *QuotaChecker
	if q.WouldExceed(1 << 30) {
		t.Error("nil QuotaChecker should never report exceeding quota")
	}
}

func TestQuotaCheckerMissingCgroupErrors(t *testing.T) {
	if _, err := NewQuotaChecker("/this/path/does/not/exist"); err == nil {
		t.Error("expected error loading a nonexistent cgroup group")
	}
}
