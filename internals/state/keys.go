package state

import "fmt"

const (
	KeyPrefixRoom     = "room:"
	KeyPrefixInstance = "instance:"
)

func RoomOwnerKey(roomID string) string {
	return fmt.Sprintf("%s%s:owner", KeyPrefixRoom, roomID)
}

func RoomPeersKey(roomID string) string {
	return fmt.Sprintf("%s%s:peers", KeyPrefixRoom, roomID)
}

func InstanceKey(instanceID string) string {
	return fmt.Sprintf("%s%s", KeyPrefixInstance, instanceID)
}
