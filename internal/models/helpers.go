package models

// All is the selector value matching every bridge or destination.
const All = "All"

// FlowFilter selects routes by bridge and destination.
type FlowFilter struct {
	Bridge      string `json:"bridge"`
	Destination string `json:"destination"`
}

// Normalized treats empty selectors as All.
func (f FlowFilter) Normalized() FlowFilter {
	if f.Bridge == "" {
		f.Bridge = All
	}
	if f.Destination == "" {
		f.Destination = All
	}
	return f
}

// Key is the display-queue key "bridge::destination".
func (f FlowFilter) Key() string {
	f = f.Normalized()
	return RouteKey(f.Bridge, f.Destination)
}

// RouteKey builds the queue key for one route.
func RouteKey(bridge, destination string) string {
	return bridge + "::" + destination
}

// Matches checks if a route passes the filter
func (f FlowFilter) Matches(route RouteSummary) bool {
	f = f.Normalized()
	if f.Bridge != All && route.BridgeID != f.Bridge {
		return false
	}
	if f.Destination != All && route.Name != f.Destination {
		return false
	}
	return true
}
