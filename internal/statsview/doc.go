// Package statsview serves runtime statistics of scopesim over HTTP. It is
// only functional when built with the statsview build tag:
//
//	go build -tags statsview ./cmd/scopesim
//
// Graphs are then at localhost:<port>/debug/statsview and the standard pprof
// pages at localhost:<port>/debug/pprof/.
package statsview
