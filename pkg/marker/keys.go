package marker

// Field is a key in the JSON documents exchanged with an update publisher.
type Field = string

const (
	// MessageField names the kind of document.
	MessageField Field = "Message"
	// ManufacturerField and the fields that follow identify the device and
	// the image a job describes.
	ManufacturerField   Field = "Manufacturer"
	ManufacturerIDField Field = "ManufacturerID"
	ProductField        Field = "Product"
	ProductIDField      Field = "ProductID"
	SerialNumberField   Field = "SerialNumber"
	VersionField        Field = "Version"
	BoardField          Field = "Board"
	BoardNameField      Field = "BoardName"
	// ConnectionField selects the transport used to fetch the image.
	ConnectionField Field = "Connection"
	BrokerField     Field = "Broker"
	ServerField     Field = "Server"
	PortField       Field = "Port"
	FileField       Field = "File"
	FilenameField   Field = "Filename"
	OffsetField     Field = "Offset"
	SizeField       Field = "Size"
	// UniqueTopicField is the device's private topic for replies.
	UniqueTopicField Field = "UniqueTopicName"
)

const (
	// CompanyTopicPrefix is the first segment of the publisher's topics.
	CompanyTopicPrefix = "OTAUpdate"
	// PublisherListenTopic is where the publisher listens for device requests.
	PublisherListenTopic = "publish_notify"
	// PublisherDirectTopic carries images pushed without a job document.
	PublisherDirectTopic = "OTAImage"
	// DeviceTopicPrefix begins every device unique topic.
	DeviceTopicPrefix = "cy_ota_device"
	// ChunkMagic marks a broker payload as an image chunk envelope.
	ChunkMagic = "OTAImage"
)

// PublisherTopic is the topic the publisher listens on for a board.
func PublisherTopic(prefix, board string) string {
	if prefix == "" {
		prefix = CompanyTopicPrefix
	}
	return prefix + "/" + board + "/" + PublisherListenTopic
}
