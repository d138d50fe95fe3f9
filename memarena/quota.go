package memarena

import (
	"fmt"

	"github.com/containerd/cgroups/v3/cgroup2"

	"github.com/wasmforge/modhost/errors"
)

// QuotaChecker reports whether a module instance's cgroup has room left
// under its memory limit, used to distinguish a guest's own allocator
// failure (a guest bug) from the host quota simply being exhausted
// (OutOfQuota, a scheduling concern rather than a module defect).
type QuotaChecker struct {
	manager *cgroup2.Manager
}

// NewQuotaChecker attaches to the cgroup v2 group at the given path,
// relative to the cgroup v2 mount (for example "/wasmforge/<instance-id>"),
// which the caller is expected to have already created with an appropriate
// memory.max. A group that does not exist is an error.
func NewQuotaChecker(group string) (*QuotaChecker, error) {
	mgr, err := cgroup2.Load(group)
	if err != nil {
		return nil, errors.MemoryError(fmt.Sprintf("load cgroup %s", group), err)
	}
	// Load itself does not touch the filesystem; reading the group's
	// controller list confirms the group exists.
	if _, err := mgr.Controllers(); err != nil {
		return nil, errors.MemoryError(fmt.Sprintf("load cgroup %s", group), err)
	}
	return &QuotaChecker{manager: mgr}, nil
}

// WouldExceed reports whether committing an additional delta bytes would
// push the group's memory usage past its configured limit. A checker with
// no reachable cgroup (nil manager, or a Stat failure) always reports false:
// quota enforcement degrades to "unknown" rather than spuriously blocking
// growth on hosts without cgroup v2 memory accounting.
func (q *QuotaChecker) WouldExceed(delta uint64) bool {
	if q == nil || q.manager == nil {
		return false
	}
	metrics, err := q.manager.Stat()
	if err != nil || metrics == nil || metrics.Memory == nil {
		return false
	}
	limit := metrics.Memory.UsageLimit
	if limit == 0 {
		return false
	}
	return metrics.Memory.Usage+delta > limit
}
