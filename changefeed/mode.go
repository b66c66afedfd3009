package changefeed

import (
	"fmt"

	"github.com/INLOpen/nexussync/config"
	"github.com/INLOpen/nexussync/core"
)

// Mode selects the continuation control used to follow a directory.
type Mode int

const (
	ModePersistentSearch Mode = iota
	ModeSyncRepl
	ModeDirectoryNotification
)

func (m Mode) String() string {
	switch m {
	case ModePersistentSearch:
		return "PERSISTENT_SEARCH"
	case ModeSyncRepl:
		return "SYNC_REPL"
	case ModeDirectoryNotification:
		return "DIRECTORY_NOTIFICATION"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ModeForServerType maps a configured server_type to a Mode.
func ModeForServerType(serverType string) (Mode, error) {
	switch serverType {
	case config.ServerTypeSyncRepl:
		return ModeSyncRepl, nil
	case config.ServerTypePersistentSearch:
		return ModePersistentSearch, nil
	case config.ServerTypeActiveDirectory:
		return ModeDirectoryNotification, nil
	default:
		return 0, core.NewConfigurationError("changefeed", "unsupported server type %q", serverType)
	}
}
