// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import "slices"

// Catalog is the ordered set of entity types a channel accepts.
type Catalog struct {
	types []string
	index map[string]struct{}
}

// NewCatalog builds a catalog from the given type names, dropping duplicates.
func NewCatalog(types ...string) Catalog {
	c := Catalog{index: make(map[string]struct{}, len(types))}
	for _, t := range types {
		if _, ok := c.index[t]; ok {
			continue
		}
		c.index[t] = struct{}{}
		c.types = append(c.types, t)
	}
	return c
}

// Accepts reports whether the type is part of the catalog.
func (c Catalog) Accepts(entityType string) bool {
	_, ok := c.index[entityType]
	return ok
}

// Types returns a copy of the catalog's type names in declaration order.
func (c Catalog) Types() []string {
	return slices.Clone(c.types)
}

// NetworkCatalog lists the IEC-61968/61970 types the network channel accepts.
func NetworkCatalog() Catalog {
	return NewCatalog(
		// IEC-61968 AssetInfo
		"CableInfo",
		"OverheadWireInfo",
		// IEC-61968 Assets
		"AssetOwner",
		"Pole",
		"Streetlight",
		// IEC-61968 Common
		"Location",
		"Organisation",
		// IEC-61968 Metering
		"Meter",
		"UsagePoint",
		// IEC-61968 Operations
		"OperationalRestriction",
		// IEC-61970 Auxiliary equipment
		"FaultIndicator",
		// IEC-61970 Core
		"BaseVoltage",
		"ConnectivityNode",
		"Feeder",
		"GeographicalRegion",
		"Site",
		"SubGeographicalRegion",
		"Substation",
		"Terminal",
		// IEC-61970 Wires
		"AcLineSegment",
		"Breaker",
		"Disconnector",
		"EnergyConsumer",
		"EnergyConsumerPhase",
		"EnergySource",
		"EnergySourcePhase",
		"Fuse",
		"Jumper",
		"Junction",
		"LinearShuntCompensator",
		"PerLengthSequenceImpedance",
		"PowerTransformer",
		"PowerTransformerEnd",
		"RatioTapChanger",
		"Recloser",
	)
}

// DiagramCatalog lists the types the diagram channel accepts.
func DiagramCatalog() Catalog {
	return NewCatalog("Diagram", "DiagramObject")
}

// CustomerCatalog lists the types the customer channel accepts.
func CustomerCatalog() Catalog {
	return NewCatalog("Organisation", "Customer", "CustomerAgreement", "PricingStructure", "Tariff")
}
