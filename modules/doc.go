// Package modules provides the native side of the bridge: a registry of
// native modules addressable from script by (module id, method id), and a set
// of built-in modules.
//
// # Registry
//
// Modules are registered before the bridge starts running script calls:
//
//	reg := modules.NewRegistry()
//	err := reg.RegisterModules(
//	    modules.NewTiming(),
//	    modules.NewKeyValue(modules.DefaultKVConfig()),
//	)
//
// Registering a name twice is a configuration error. Script calls that name
// an id the registry does not know are protocol errors, reported separately
// from failures of the handler itself.
//
// # Method Types
//
// [MethodAsync] handlers run through the registry's [Dispatcher] and answer
// through callback ids; [MethodPromise] handlers settle a script promise with
// their return value; [MethodSync] handlers run on the script thread.
//
// # Built-in Modules
//
//	KeyValue      in-memory string store with size limits
//	AsyncStorage  persistent key/value store on SQLite
//	FileSystem    mount-based file access with per-mount permissions
//	Networking    HTTP requests to explicitly allowed hosts
//	Logger        script log lines into zap
//	Timing        wall clock
package modules
