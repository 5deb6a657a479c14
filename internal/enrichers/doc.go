// Package enrichers holds the concrete enrichment steps that turn a package
// descriptor into a published record.
//
// HTTP backed steps talk to one upstream each through a Source, which bundles
// the shared HTTP client with the source's throttle and circuit breaker and
// remembers the last upstream quota it saw. Every upstream answer is stored
// in the TTL cache under the namespace of the step, so repeated runs within
// the freshness window do not touch the network.
//
// Steps only ever fill fields that are still empty, so values written in a
// descriptor always win over upstream data.
//
// The default chain order is
//
//	boost, bintray, github, gitlab, authors, short_description, keywords, readme, temporaries
//
// Build assembles it, leaving out steps whose source is disabled.
package enrichers
