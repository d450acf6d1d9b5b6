// Package bundle reads script bundles from disk and classifies them.
//
// A bundle is either monolithic (plain script text loaded whole) or segmented
// (an indexed RAM bundle: a startup chunk plus a table of modules that are
// loaded lazily by numeric id). The first [HeaderSize] bytes of every bundle
// decide which:
//
//	if bundle.IsIndexedRAMBundle(path) {
//	    b, _ := bundle.OpenIndexed(path)
//	    startup, _ := b.StartupCode()
//	    reg := bundle.NewMultipleBundlesRegistry(b, bundle.IndexedFactory())
//	    // hand startup and reg to the bridge
//	}
//
// # Ownership
//
// [Source] is an owned buffer. Loader steps pass it along with [Source.Move],
// which empties the previous handle, so a source is never held by two steps
// at once.
//
// # Lazy chunks
//
// [Registry] resolves segmented-bundle modules on demand. Concurrent requests
// for the same (bundle, module) pair share one read of the underlying file
// and every caller receives the same [Module].
package bundle
