package models

// Pipeline is a named, ordered set of analysis components.
type Pipeline struct {
	ID         string              `json:"id" bson:"_id" firestore:"id"`
	Name       string              `json:"name" bson:"name" firestore:"name"`
	UserID     string              `json:"user_id" bson:"user_id" firestore:"user_id"`
	Components []PipelineComponent `json:"components" bson:"components" firestore:"components"`
	Settings   map[string]string   `json:"settings,omitempty" bson:"settings,omitempty" firestore:"settings,omitempty"`
}

// PipelineComponent is one analysis step. Target is interpreted by the
// driver: an endpoint URL for the remote driver, a function name for the
// builtin driver.
type PipelineComponent struct {
	ID        string            `json:"id" bson:"id" firestore:"id"`
	Name      string            `json:"name" bson:"name" firestore:"name"`
	Driver    string            `json:"driver" bson:"driver" firestore:"driver"`
	Target    string            `json:"target" bson:"target" firestore:"target"`
	Scale     int               `json:"scale,omitempty" bson:"scale,omitempty" firestore:"scale,omitempty"`
	Segmented bool              `json:"segmented,omitempty" bson:"segmented,omitempty" firestore:"segmented,omitempty"`
	Options   map[string]string `json:"options,omitempty" bson:"options,omitempty" firestore:"options,omitempty"`
}

// Drivers returns the distinct driver names in component order.
func (p Pipeline) Drivers() []string {
	seen := make(map[string]bool)
	var drivers []string
	for _, c := range p.Components {
		if !seen[c.Driver] {
			seen[c.Driver] = true
			drivers = append(drivers, c.Driver)
		}
	}
	return drivers
}
