package matrix

import (
	"sync"

	"maunium.net/go/mautrix/id"
)

type Channel struct {
	ID         id.RoomID
	Name       string
	Alias      id.RoomAlias
	AltAliases []id.RoomAlias
	IsDirect   bool
	sync.RWMutex
}
