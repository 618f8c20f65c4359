package model

// Facility is one food facility scraped from the inspection portal.
// Field order is the column order downstream stages see.
type Facility struct {
	Name        string `json:"name"`
	Address     string `json:"address"`
	Kind        string `json:"kind"`
	PhoneNumber string `json:"phone_number"`
	Ward        string `json:"ward"`
}
