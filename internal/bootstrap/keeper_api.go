package bootstrap

import (
	"keeper_server/adapter/in/rpc"
)

// NewAPI wires the tool surface on top of the app facade.
func NewAPI(deps *Dependencies) *rpc.Server {
	config := rpc.DefaultConfig()
	config.Addr = ":" + deps.Config.Port

	return rpc.New(config, rpc.Services{
		Emails:   deps.App,
		Analysis: deps.App,
		Jobs:     deps.App,
		Cleanup:  deps.App,
		Auth:     deps.App,
		System:   deps.App,
		Callback: deps.Auth,
	})
}
