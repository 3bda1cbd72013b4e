package cap

import "fmt"

// ObjectKind tags the variant of a guarded object. The set is closed;
// consumers switch over it exhaustively.
type ObjectKind uint8

const (
	ObjectMemoryRegion ObjectKind = iota
	ObjectIpcEndpoint
	ObjectInterrupt
	ObjectGpioPin
	ObjectSerialPort
	ObjectNetworkSocket
	ObjectFileHandle
	ObjectDirectoryHandle
	ObjectModuleHandle
)

func (k ObjectKind) String() string {
	switch k {
	case ObjectMemoryRegion:
		return "memory"
	case ObjectIpcEndpoint:
		return "endpoint"
	case ObjectInterrupt:
		return "interrupt"
	case ObjectGpioPin:
		return "gpio"
	case ObjectSerialPort:
		return "serial"
	case ObjectNetworkSocket:
		return "socket"
	case ObjectFileHandle:
		return "file"
	case ObjectDirectoryHandle:
		return "directory"
	case ObjectModuleHandle:
		return "module"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Object identifies a guarded kernel object by value. ID keys the owning
// collaborator's internal table (endpoint, socket, open file or directory,
// pin number, IRQ line, serial port, module instance). Memory regions
// carry a start address and size instead. Tasks never hold collaborator
// pointers; the object descriptor is all a capability stores.
type Object struct {
	Kind  ObjectKind
	ID    uint32
	Start uint64
	Size  uint64
}

func MemoryObject(start, size uint64) Object {
	return Object{Kind: ObjectMemoryRegion, Start: start, Size: size}
}

func EndpointObject(id uint32) Object {
	return Object{Kind: ObjectIpcEndpoint, ID: id}
}

func InterruptObject(line uint32) Object {
	return Object{Kind: ObjectInterrupt, ID: line}
}

func PinObject(pin uint32) Object {
	return Object{Kind: ObjectGpioPin, ID: pin}
}

func SerialObject(port uint32) Object {
	return Object{Kind: ObjectSerialPort, ID: port}
}

func SocketObject(id uint32) Object {
	return Object{Kind: ObjectNetworkSocket, ID: id}
}

func FileObject(id uint32) Object {
	return Object{Kind: ObjectFileHandle, ID: id}
}

func DirectoryObject(id uint32) Object {
	return Object{Kind: ObjectDirectoryHandle, ID: id}
}

func ModuleObject(id uint32) Object {
	return Object{Kind: ObjectModuleHandle, ID: id}
}

func (o Object) String() string {
	if o.Kind == ObjectMemoryRegion {
		return fmt.Sprintf("memory:%#x+%d", o.Start, o.Size)
	}
	return fmt.Sprintf("%s:%d", o.Kind, o.ID)
}
