package nui

// SkeletonCount is the number of skeleton slots in every frame.
const SkeletonCount = 6

// JointCount is the number of tracked positions per skeleton.
const JointCount = 20

type Vector4 struct {
	X, Y, Z, W float32
}

type TrackingState int

const (
	NotTracked TrackingState = iota
	PositionOnly
	Tracked
)

func (s TrackingState) String() string {
	switch s {
	case NotTracked:
		return "not_tracked"
	case PositionOnly:
		return "position_only"
	case Tracked:
		return "tracked"
	default:
		return "unknown"
	}
}

type PositionTrackingState int

const (
	PositionNotTracked PositionTrackingState = iota
	PositionInferred
	PositionTracked
)

func (s PositionTrackingState) String() string {
	switch s {
	case PositionNotTracked:
		return "not_tracked"
	case PositionInferred:
		return "inferred"
	case PositionTracked:
		return "tracked"
	default:
		return "unknown"
	}
}

// Joint indexes into SkeletonData.Positions.
type Joint int

const (
	HipCenter Joint = iota
	Spine
	ShoulderCenter
	Head
	ShoulderLeft
	ElbowLeft
	WristLeft
	HandLeft
	ShoulderRight
	ElbowRight
	WristRight
	HandRight
	HipLeft
	KneeLeft
	AnkleLeft
	FootLeft
	HipRight
	KneeRight
	AnkleRight
	FootRight
)

var jointNames = [JointCount]string{
	"hip_center", "spine", "shoulder_center", "head",
	"shoulder_left", "elbow_left", "wrist_left", "hand_left",
	"shoulder_right", "elbow_right", "wrist_right", "hand_right",
	"hip_left", "knee_left", "ankle_left", "foot_left",
	"hip_right", "knee_right", "ankle_right", "foot_right",
}

func (j Joint) String() string {
	if j < 0 || int(j) >= JointCount {
		return "unknown"
	}
	return jointNames[j]
}

type SkeletonData struct {
	TrackingState   TrackingState
	TrackingID      uint32
	EnrollmentIndex uint32
	UserIndex       uint32
	Position        Vector4
	Positions       [JointCount]Vector4
	PositionStates  [JointCount]PositionTrackingState
	QualityFlags    uint32
}

type SkeletonFrame struct {
	FrameNumber     uint32
	Timestamp       int64
	Flags           uint32
	FloorClipPlane  Vector4
	NormalToGravity Vector4
	Skeletons       [SkeletonCount]SkeletonData
}
