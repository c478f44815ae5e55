package httpapi

// Config defines HTTP API settings.
type Config struct {
	Addr     string
	BasePath string
	// HubHistory is the number of stream events kept per storage key for replay.
	HubHistory int
}
