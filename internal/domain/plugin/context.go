package plugin

import (
	"github.com/felixgeelhaar/scribe/internal/domain/messaging"
	"github.com/felixgeelhaar/scribe/internal/domain/state"
	"github.com/felixgeelhaar/scribe/internal/ports"
)

// Context is passed into every hook, Initialize, Destroy and Recover call.
// The renderer, interaction manager and block adapter are host capabilities
// forwarded unmodified; State is owned exclusively by this plugin.
type Context struct {
	PluginID     string
	Events       ports.EventSink
	Blocks       ports.BlockStateAdapter
	Interactions ports.InteractionManager
	Renderer     ports.Renderer
	Messaging    *messaging.Bus
	State        *state.Store
}
