package bus

import "fmt"

// ChannelsPerCard is the relay-card channel count assumed by the
// locker-to-slave mapping (spec §3.3). LocatePhysical and its inverse,
// LockerID, both use it; the ChannelCount of configured relay cards does not
// change the mapping.
const ChannelsPerCard = 16

// Physical is the (slave address, coil channel) a logical locker id maps to.
type Physical struct {
	Slave   int
	Channel int
}

// LocatePhysical computes the immutable mapping from a 1-based logical
// locker id to its physical relay-card slave address and channel, both
// 1-based (spec §3.3):
//
//	slave_address = ((locker_id − 1) div 16) + 1
//	channel       = ((locker_id − 1) mod 16) + 1
func LocatePhysical(lockerID int) (Physical, error) {
	if lockerID < 1 {
		return Physical{}, fmt.Errorf("bus: locker id must be >= 1, got %d", lockerID)
	}
	zero := lockerID - 1
	return Physical{
		Slave:   zero/ChannelsPerCard + 1,
		Channel: zero%ChannelsPerCard + 1,
	}, nil
}

// LockerID is the inverse of LocatePhysical: given a physical slave/channel
// pair, recover the logical locker id it was derived from.
func LockerID(p Physical) (int, error) {
	if p.Slave < 1 || p.Channel < 1 || p.Channel > ChannelsPerCard {
		return 0, fmt.Errorf("bus: invalid physical address %+v", p)
	}
	return (p.Slave-1)*ChannelsPerCard + p.Channel, nil
}

// CoilAddress converts a 1-based channel to the zero-based Modbus coil
// address used on the wire (spec §4.1: "Coil addresses are zero-based").
func CoilAddress(channel int) int {
	return channel - 1
}
