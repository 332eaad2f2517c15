package mqtt

// TopicPrefix is the root of every gateway topic.
const TopicPrefix = "devgate"

// Topics builds devgate MQTT topics.
//
//	devgate/events/{hash}   worker frames, not retained
//	devgate/status/{hash}   current device status, retained
//	devgate/system/status   gateway online/offline, retained, LWT
type Topics struct{}

// DeviceEvents returns the topic that carries a worker's event frames.
func (Topics) DeviceEvents(hash string) string {
	return TopicPrefix + "/events/" + hash
}

// DeviceStatus returns the retained status topic for a device.
func (Topics) DeviceStatus(hash string) string {
	return TopicPrefix + "/status/" + hash
}

// SystemStatus is the gateway presence topic.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}
