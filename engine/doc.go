// Package engine defines what the bridge needs from an embedded JavaScript
// engine and keeps a registry of engine factories by name.
//
// An Engine is only ever touched from the bridge's JS queue. It reports
// native calls made by script through its Delegate: each flushed queue of
// calls arrives as one CallNativeModules invocation, and the last one of a
// bridge-initiated operation carries isEndOfBatch.
//
// Every engine evaluates Prelude before user code. The prelude installs the
// script half of the bridge: __fbBatchedBridge, NativeModules built from
// __fbBatchedBridgeConfig, and a __d/__r module system that pulls missing
// modules through nativeRequire.
package engine
