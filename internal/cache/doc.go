// Package cache holds captured bootstrap responses keyed by request identity and
// tagged with the deployment generation that stored them. Every backend (disk,
// leveldb, valkey, memory) supports lookup, insert, bulk seed and
// enumerate-then-drop by generation, which is how activation reclaims space
// from superseded deployments. Worker strategies depend on the Store interface
// only and never on a concrete backend.
package cache
