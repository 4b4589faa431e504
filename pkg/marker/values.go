package marker

// Message is the value of the Message field.
type Message = string

const (
	// Device to publisher.
	MessageUpdateAvailability Message = "Update Availability"
	MessageRequestUpdate      Message = "Request Update"
	MessageRequestDataChunk   Message = "Request Data Chunk"
	MessageSendDirectUpdate   Message = "Send Direct Update"

	// Publisher to device.
	MessageUpdateAvailable   Message = "Update Available"
	MessageNoUpdateAvailable Message = "No Update Available"
	MessageResultReceived    Message = "Result Received"

	// Result reports.
	ResultSuccess Message = "Success"
	ResultFailure Message = "Failure"
)

// Connection is the value of the Connection field.
type Connection = string

const (
	ConnectionMQTT  Connection = "MQTT"
	ConnectionHTTP  Connection = "HTTP"
	ConnectionHTTPS Connection = "HTTPS"
	ConnectionBLE   Connection = "BLE"
)

const (
	// DefaultJobFile is fetched from an HTTP server in the job flow.
	DefaultJobFile = "/ota_update.json"
	// DefaultDataFile is fetched from an HTTP server in the direct flow.
	DefaultDataFile = "/ota-update.bin"
)

// Default ports per connection.
const (
	PortMQTT       = 1883
	PortMQTTSecure = 8883
	PortHTTP       = 80
	PortHTTPS      = 443
)
