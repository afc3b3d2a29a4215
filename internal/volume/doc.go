// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package volume composes backing stores into one logical volume. The volume
// works in one of three modes:
//
// - mirror duplicates every write to both of its two stores and reads from the
// first one.
//
// - stripe spreads the address space round-robin over all its stores in units
// of the stripe unit.
//
// - linear keeps the whole volume in memory and optionally duplicates writes
// to one mirror target store.
//
// Every logical request is translated to sub-requests addressed to the
// individual stores, they are issued in parallel and the request completes
// when all of them finish. The volume counts requests in flight and Delete
// waits until there are none before the stores are closed. From the moment
// Delete is called no new request is admitted.
package volume
