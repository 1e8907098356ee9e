package model

// RiskCategory classifies how dangerous a governed call is.
// Categories are ranked; a higher rank is stricter.
type RiskCategory string

const (
	RiskUnclassified     RiskCategory = "unclassified"
	RiskExternalNetwork  RiskCategory = "external_network"
	RiskDataExfiltration RiskCategory = "data_exfiltration"
	RiskDestructive      RiskCategory = "destructive"
)

// RiskRank maps categories to a comparable integer.
var RiskRank = map[RiskCategory]int{
	RiskUnclassified:     0,
	RiskExternalNetwork:  1,
	RiskDataExfiltration: 2,
	RiskDestructive:      3,
}

// Rank returns the comparable rank of c. Unknown categories rank as
// destructive so that a bad value never lowers scrutiny.
func (c RiskCategory) Rank() int {
	if r, ok := RiskRank[c]; ok {
		return r
	}
	return RiskRank[RiskDestructive]
}

// Max returns the stricter of c and other.
func (c RiskCategory) Max(other RiskCategory) RiskCategory {
	if other.Rank() > c.Rank() {
		return other
	}
	return c
}

// RiskTag is the classifier's output for one call.
type RiskTag struct {
	Category RiskCategory `json:"category"`
	Governed bool         `json:"governed"`
	Matched  string       `json:"matched,omitempty"`
}
