// Package modloader loads, isolates and controls the mods of a host
// application at run time.
//
// A Loader matches the running executable to an application manifest, computes
// the dependency closure of the mods it enables, orders them so that every
// dependency starts first, and loads each one into its own isolation context.
// Mods run either in-process, from factories registered with the
// InProcessBackend, or as child processes speaking a JSON-lines protocol on
// stdin/stdout (see ServeMod).
//
// Loaded mods move through a small state machine: Unloaded, Loading, Active
// and Suspended. Unloading and suspension are capabilities a mod opts into by
// implementing Unloader and Suspender; the manager refuses them otherwise.
//
// Key Features:
//   - Dependency closure and deterministic load order with cycle tolerance
//   - Probe-then-reload export discovery with a shared export space
//   - Capability flags cached back into manifests between sessions
//   - Loopback control server (msgpack frames) plus an optional gRPC service
//   - Port discovery record keyed by process id
//   - Prometheus metrics and an argus audit trail of lifecycle events
//
// Basic Usage:
//
//	loader, err := modloader.NewLoader(modloader.DefaultLoaderConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	loader.InProcess().Register("Mods/hello/hello.so", newHelloMod)
//
//	if err := loader.Run(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer loader.Close(context.Background())
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package modloader
