// Package source implements the jobs the scheduler dispatches: TableSource harvests proxies from
// HTML tables on free proxy list sites, and Checker re-validates the records already in the pool.
package source
