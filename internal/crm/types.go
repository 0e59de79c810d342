package crm

// Deal is the narrow slice of a CRM deal this service reads: its pipeline
// stage and the raw envelope-record property value.
type Deal struct {
	ID     string
	Stage  string
	Record string
}

// objectResponse is the CRM's generic object shape. All property values come
// back as strings regardless of their declared type.
type objectResponse struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

type propertiesUpdate struct {
	Properties map[string]string `json:"properties"`
}

type associationsResponse struct {
	Results []associationResult `json:"results"`
}

type associationResult struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type batchReadRequest struct {
	Inputs     []batchReadInput `json:"inputs"`
	Properties []string         `json:"properties"`
}

type batchReadInput struct {
	ID string `json:"id"`
}

type batchReadResponse struct {
	Results []objectResponse `json:"results"`
}
