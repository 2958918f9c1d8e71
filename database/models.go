package database

// Record field names owned by the store. Every other field of a record is
// kept verbatim in the data column.
const (
	FieldID          = "id"
	FieldStatus      = "status"
	FieldStatusLabel = "statusLabel"
	FieldUpdatedAt   = "updatedAt"
)

type Stage struct {
	Value    int    `json:"value"`
	Label    string `json:"label"`
	Position int    `json:"position"`
}

type Record map[string]any

// demoStages is the lead pipeline seeded into an empty database.
var demoStages = []Stage{
	{Value: 1, Label: "New", Position: 0},
	{Value: 2, Label: "Contacted", Position: 1},
	{Value: 3, Label: "Qualified", Position: 2},
	{Value: 4, Label: "Won", Position: 3},
	{Value: 5, Label: "Lost", Position: 4},
}

var demoRecords = []struct {
	ID     string
	Status int
	Data   Record
}{
	{"LD-1001", 1, Record{"name": "Acme Corp", "owner": "Alice", "createdOn": "2024-01-05", "description": "Inbound request for a fleet quotation"}},
	{"LD-1002", 4, Record{"name": "Beta LLC", "owner": "Bob", "createdOn": "2024-02-10", "description": "Annual maintenance contract"}},
	{"LD-1003", 2, Record{"name": "Gamma GmbH", "owner": "Alice", "createdOn": "2024-02-11", "description": "Referred by Beta LLC"}},
	{"LD-1004", 3, Record{"name": "Delta Inc", "owner": "Carol", "createdOn": "2024-03-01", "description": "Needs help-desk integration"}},
	{"LD-1005", 1, Record{"name": "Epsilon Traders", "owner": "Bob", "createdOn": "2024-03-14", "description": "Trade fair contact"}},
	{"LD-1006", 5, Record{"name": "Zeta Logistics", "owner": "Carol", "createdOn": "2024-03-20", "description": "Chose a competitor"}},
}
