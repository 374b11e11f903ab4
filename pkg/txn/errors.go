package txn

import "github.com/nainya/pagekv/pkg/pkgerrors"

// errTimedOut is returned by Transaction methods when Acquire gives up
// without a deadlock being detected; it is pkgerrors.ErrLockTimeout under a package-local name so
// callers can still errors.Is against the shared sentinel.
var errTimedOut = pkgerrors.ErrLockTimeout
