package scifloapp

import (
	appbase "github.com/warptools/sciflo/app/base"
	_ "github.com/warptools/sciflo/app/cancel"
	_ "github.com/warptools/sciflo/app/graph"
	_ "github.com/warptools/sciflo/app/healthcheck"
	_ "github.com/warptools/sciflo/app/resolve"
	_ "github.com/warptools/sciflo/app/run"
	_ "github.com/warptools/sciflo/app/serve"
	_ "github.com/warptools/sciflo/app/status"
	_ "github.com/warptools/sciflo/app/submit"
	_ "github.com/warptools/sciflo/app/worker"
)

var App = appbase.App
