// Package jsbridge embeds a JavaScript engine in a Go host and mediates every
// call that crosses the native/script boundary.
//
// # Overview
//
// All script execution happens on one serialized execution context. Native
// callers on any goroutine submit loads and calls through an
// [instance.Instance]; the bridge runs them in submission order and routes
// script calls to native modules back through a [modules.Registry].
//
// # Basic Usage
//
//	reg := modules.NewRegistry()
//	reg.RegisterModules(modules.NewTiming())
//
//	inst := instance.New()
//	queue := bridge.NewThreadQueue("js", 0)
//	inst.Initialize(callback, gojajs.Factory{}, queue, reg)
//
//	src := bundle.NewStringSource(`...`)
//	if err := inst.LoadApplicationSync(ctx, nil, src, 0, "app.bundle", ""); err != nil {
//	    log.Fatal(err)
//	}
//	inst.CallJSFunction("AppRegistry", "runApplication", []any{"App"})
//
// # Bundles
//
// Bundles are monolithic scripts or indexed RAM bundles whose modules are
// loaded lazily; see [bundle] for detection and the on-disk format.
//
// # Errors
//
// Failures are classified by [Kind]. Configuration and protocol errors are
// fatal to a bridge session and reach the host through its callback; I/O
// errors during bundle inspection degrade to "not recognized".
//
// See the [instance], [bridge], [engine], [modules], and [bundle] packages for
// detailed API documentation.
package jsbridge
