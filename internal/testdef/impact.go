package testdef

import "strings"

// Impacts flags what a definition file may do to the device's network
// interfaces. A network-affecting test can sever the transport channel
// mid-run, so the queue widens its polling budget for these.
type Impacts struct {
	AffectsWAN      bool
	AffectsLAN      bool
	RestartsNetwork bool
}

// AffectsNetwork reports whether any interface may be disrupted.
func (i Impacts) AffectsNetwork() bool {
	return i.AffectsWAN || i.AffectsLAN || i.RestartsNetwork
}

var destructiveActions = map[string]bool{
	"delete":  true,
	"remove":  true,
	"disable": true,
	"stop":    true,
}

var restartActions = map[string]bool{
	"restart": true,
	"reload":  true,
	"reset":   true,
}

// AnalyzeImpacts scans the document's cases for operations that disrupt
// WAN or LAN connectivity. Matching is case-insensitive.
func AnalyzeImpacts(doc *Document) Impacts {
	var imp Impacts
	for _, c := range doc.TestCases {
		service := strings.ToLower(c.Service)
		action := strings.ToLower(c.Action)

		if service == "wan" && destructiveActions[action] {
			imp.AffectsWAN = true
		}
		if service == "lan" && destructiveActions[action] {
			imp.AffectsLAN = true
		}
		if (service == "network" || service == "networking") && restartActions[action] {
			imp.AffectsWAN = true
			imp.AffectsLAN = true
			imp.RestartsNetwork = true
		}
	}
	return imp
}
