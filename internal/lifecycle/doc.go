// Package lifecycle drives plugins through their state machine:
//
//	discovered -> initialized -> started -> running <-> disabled/failed -> stopped -> unloaded
//
// A plugin's handlers are in the registry exactly while it is running. The
// manager is the only writer of lifecycle state; the health monitor updates
// failure counters through the same per-plugin lock.
package lifecycle
