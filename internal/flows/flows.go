package flows

import (
	"sort"

	"relay-flow-backend/internal/aggregator"
	"relay-flow-backend/internal/models"
)

// Palette resolves destination colors. chains.Registry implements it.
type Palette interface {
	DestinationColor(name string) string
	FallbackColor() string
}

// Select returns the route matching filter, a composite when several match,
// or nil when nothing matches.
func Select(routes []models.RouteSummary, filter models.FlowFilter, palette Palette) *models.RouteSummary {
	filter = filter.Normalized()

	matched := make([]models.RouteSummary, 0, len(routes))
	for _, r := range routes {
		if filter.Matches(r) {
			matched = append(matched, r)
		}
	}

	switch len(matched) {
	case 0:
		return nil
	case 1:
		out := matched[0].Clone()
		return &out
	}

	composite := aggregator.Merge(matched...)
	composite.BridgeID = filter.Bridge
	composite.Name = CompositeName(filter)
	if filter.Destination != models.All {
		composite.Color = palette.DestinationColor(filter.Destination)
	} else {
		composite.Color = palette.FallbackColor()
	}
	return &composite
}

// CompositeName labels a view over several routes.
func CompositeName(filter models.FlowFilter) string {
	filter = filter.Normalized()
	switch {
	case filter.Destination != models.All:
		return filter.Destination
	case filter.Bridge == models.All:
		return "All Destinations"
	default:
		return filter.Bridge + " · All Destinations"
	}
}

// BuildBridgeSummaries groups routes under each known protocol. Routes of a
// protocol with the same destination are merged; flows are ordered by
// volume, largest first. When allowed is non-empty, destinations outside it
// are skipped. Protocols without routes get an empty flow list.
func BuildBridgeSummaries(routes []models.RouteSummary, protocols []models.BridgeProtocol, allowed map[string]bool) []models.BridgeSummary {
	out := make([]models.BridgeSummary, 0, len(protocols))
	for _, protocol := range protocols {
		byDestination := make(map[string]models.RouteSummary)
		for _, r := range routes {
			if r.BridgeID != protocol.Name {
				continue
			}
			if len(allowed) > 0 && !allowed[r.Name] {
				continue
			}
			if existing, ok := byDestination[r.Name]; ok {
				byDestination[r.Name] = aggregator.MergeSummaries(existing, r)
				continue
			}
			byDestination[r.Name] = r
		}

		summary := models.BridgeSummary{
			Protocol: protocol,
			Flows:    make([]models.RouteSummary, 0, len(byDestination)),
		}
		for _, r := range byDestination {
			summary.Flows = append(summary.Flows, r)
		}
		sort.SliceStable(summary.Flows, func(i, j int) bool {
			if summary.Flows[i].VolumeUSD != summary.Flows[j].VolumeUSD {
				return summary.Flows[i].VolumeUSD > summary.Flows[j].VolumeUSD
			}
			return summary.Flows[i].Name < summary.Flows[j].Name
		})
		out = append(out, summary)
	}
	return out
}

// Flatten lists every flow of every summary in order.
func Flatten(summaries []models.BridgeSummary) []models.RouteSummary {
	var out []models.RouteSummary
	for _, s := range summaries {
		out = append(out, s.Flows...)
	}
	return out
}

// Selectable is what selection and display work over: the flattened bridge
// summaries, followed by routes whose bridge is not a known protocol.
func Selectable(summaries []models.BridgeSummary, routes []models.RouteSummary, protocols []models.BridgeProtocol) []models.RouteSummary {
	out := Flatten(summaries)
	known := make(map[string]bool, len(protocols))
	for _, p := range protocols {
		known[p.Name] = true
	}
	for _, r := range routes {
		if !known[r.BridgeID] {
			out = append(out, r)
		}
	}
	return out
}

// Options lists selector values, "All" first. Bridges come from the known
// protocols followed by any other bridge seen in routes, destinations from
// the routes currently present.
func Options(routes []models.RouteSummary, protocols []models.BridgeProtocol) models.SelectorOptions {
	opts := models.SelectorOptions{
		Bridges:      []string{models.All},
		Destinations: []string{models.All},
	}
	known := make(map[string]bool, len(protocols))
	for _, p := range protocols {
		known[p.Name] = true
		opts.Bridges = append(opts.Bridges, p.Name)
	}
	for _, r := range routes {
		if !known[r.BridgeID] {
			known[r.BridgeID] = true
			opts.Bridges = append(opts.Bridges, r.BridgeID)
		}
	}

	seen := make(map[string]bool)
	var destinations []string
	for _, r := range routes {
		if !seen[r.Name] {
			seen[r.Name] = true
			destinations = append(destinations, r.Name)
		}
	}
	sort.Strings(destinations)
	opts.Destinations = append(opts.Destinations, destinations...)
	return opts
}

// Reconcile resets each selector that no longer matches any route to "All".
func Reconcile(filter models.FlowFilter, routes []models.RouteSummary) models.FlowFilter {
	filter = filter.Normalized()

	if filter.Bridge != models.All {
		found := false
		for _, r := range routes {
			if r.BridgeID == filter.Bridge {
				found = true
				break
			}
		}
		if !found {
			filter.Bridge = models.All
		}
	}
	if filter.Destination != models.All {
		found := false
		for _, r := range routes {
			if r.Name == filter.Destination {
				found = true
				break
			}
		}
		if !found {
			filter.Destination = models.All
		}
	}
	return filter
}
