// Package crawler holds the contracts shared by the harvesting scheduler, its sources, and the
// HTTP surface: job classes, job results, and the small capability interfaces they are wired with.
package crawler
