// This file re-exports the server and function types so wrapper projects
// can install Go functions next to Lua ones.
package cli

import (
	"github.com/zot/livequery/internal/function"
	"github.com/zot/livequery/internal/server"
)

// Re-export server types
type (
	Server        = server.Server
	ServerOptions = server.Options
)

// Re-export function types
type (
	FunctionSpec  = function.Spec
	Request       = function.Request
	AuthRequest   = function.AuthRequest
	Sink          = function.Sink
	AuthorizeFunc = function.AuthorizeFunc
	Installer     = function.Installer
)

// Re-export constructors
var (
	NewServer = server.New
	NewStatic = function.NewStatic
)
