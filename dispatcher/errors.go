package dispatcher

import "errors"

var errNoSnapshotPath = errors.New("no snapshot path configured")
