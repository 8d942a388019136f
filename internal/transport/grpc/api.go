package grpc

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const (
	ServiceName = "salonavail.v1.AvailabilityService"
	// CodecName is the content-subtype clients must select, e.g. with
	// grpc.CallContentSubtype(CodecName).
	CodecName = "json"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

type Appointment struct {
	ID             string    `json:"id"`
	StaffID        string    `json:"staff_id"`
	LocationID     string    `json:"location_id,omitempty"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	Status         string    `json:"status"`
	ParticipantIDs []string  `json:"participant_ids,omitempty"`
}

type Slot struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

type CheckAvailabilityRequest struct {
	StaffID              string     `json:"staff_id"`
	LocationID           string     `json:"location_id,omitempty"`
	StartTime            *time.Time `json:"start_time"`
	EndTime              *time.Time `json:"end_time"`
	ExcludeAppointmentID string     `json:"exclude_appointment_id,omitempty"`
}

type CheckAvailabilityResponse struct {
	Available bool           `json:"available"`
	Conflicts []*Appointment `json:"conflicts,omitempty"`
}

type ReserveRequest struct {
	// AppointmentID doubles as the idempotency key. When empty the
	// idempotency-key metadata header is used, then a generated id.
	AppointmentID  string     `json:"appointment_id,omitempty"`
	StaffID        string     `json:"staff_id"`
	LocationID     string     `json:"location_id,omitempty"`
	StartTime      *time.Time `json:"start_time"`
	EndTime        *time.Time `json:"end_time"`
	Status         string     `json:"status,omitempty"`
	ParticipantIDs []string   `json:"participant_ids"`
}

type ReserveResponse struct {
	Reserved    bool           `json:"reserved"`
	Appointment *Appointment   `json:"appointment,omitempty"`
	Conflicts   []*Appointment `json:"conflicts,omitempty"`
}

type RescheduleRequest struct {
	AppointmentID string     `json:"appointment_id"`
	StartTime     *time.Time `json:"start_time"`
	EndTime       *time.Time `json:"end_time"`
	LocationID    string     `json:"location_id,omitempty"`
}

type RescheduleResponse struct {
	Rescheduled bool           `json:"rescheduled"`
	Appointment *Appointment   `json:"appointment,omitempty"`
	Conflicts   []*Appointment `json:"conflicts,omitempty"`
}

type ReleaseRequest struct {
	AppointmentID string `json:"appointment_id"`
}

type ReleaseResponse struct {
	Released bool `json:"released"`
}

type FindFreeSlotsRequest struct {
	StaffID         string     `json:"staff_id"`
	WindowStart     *time.Time `json:"window_start"`
	WindowEnd       *time.Time `json:"window_end"`
	DurationMinutes int32      `json:"duration_minutes"`
	StepMinutes     int32      `json:"step_minutes,omitempty"`
}

type FindFreeSlotsResponse struct {
	Slots []*Slot `json:"slots"`
}

type ListStaffIntervalsRequest struct {
	StaffID string `json:"staff_id"`
}

type ListStaffIntervalsResponse struct {
	Appointments []*Appointment `json:"appointments"`
}

type BufferMinutes struct {
	BeforeMinutes int32 `json:"before_minutes"`
	AfterMinutes  int32 `json:"after_minutes"`
}

type BufferPolicy struct {
	BeforeMinutes int32                    `json:"before_minutes"`
	AfterMinutes  int32                    `json:"after_minutes"`
	Mode          string                   `json:"mode"`
	Enforced      bool                     `json:"enforced"`
	Overrides     map[string]BufferMinutes `json:"overrides,omitempty"`
}

type StaffBufferPolicy struct {
	StaffID       string `json:"staff_id"`
	BeforeMinutes int32  `json:"before_minutes"`
	AfterMinutes  int32  `json:"after_minutes"`
	Mode          string `json:"mode"`
	Override      bool   `json:"override"`
}

type GetBufferPolicyRequest struct {
	// StaffID, when set, also resolves the effective policy for that staff member.
	StaffID string `json:"staff_id,omitempty"`
}

type GetBufferPolicyResponse struct {
	Policy *BufferPolicy      `json:"policy"`
	Staff  *StaffBufferPolicy `json:"staff,omitempty"`
}

type SetBufferPolicyRequest struct {
	BeforeMinutes int32  `json:"before_minutes"`
	AfterMinutes  int32  `json:"after_minutes"`
	Enforced      bool   `json:"enforced"`
	Mode          string `json:"mode,omitempty"`
}

type SetBufferPolicyResponse struct {
	Policy *BufferPolicy `json:"policy"`
}

type SetStaffBufferOverrideRequest struct {
	StaffID       string `json:"staff_id"`
	BeforeMinutes int32  `json:"before_minutes"`
	AfterMinutes  int32  `json:"after_minutes"`
}

type SetStaffBufferOverrideResponse struct {
	Staff *StaffBufferPolicy `json:"staff"`
}

type ClearStaffBufferOverrideRequest struct {
	StaffID string `json:"staff_id"`
}

type ClearStaffBufferOverrideResponse struct {
	Staff *StaffBufferPolicy `json:"staff"`
}

// AvailabilityServiceServer is implemented by AvailabilityServer.
type AvailabilityServiceServer interface {
	CheckAvailability(context.Context, *CheckAvailabilityRequest) (*CheckAvailabilityResponse, error)
	Reserve(context.Context, *ReserveRequest) (*ReserveResponse, error)
	Reschedule(context.Context, *RescheduleRequest) (*RescheduleResponse, error)
	Release(context.Context, *ReleaseRequest) (*ReleaseResponse, error)
	FindFreeSlots(context.Context, *FindFreeSlotsRequest) (*FindFreeSlotsResponse, error)
	ListStaffIntervals(context.Context, *ListStaffIntervalsRequest) (*ListStaffIntervalsResponse, error)
	GetBufferPolicy(context.Context, *GetBufferPolicyRequest) (*GetBufferPolicyResponse, error)
	SetBufferPolicy(context.Context, *SetBufferPolicyRequest) (*SetBufferPolicyResponse, error)
	SetStaffBufferOverride(context.Context, *SetStaffBufferOverrideRequest) (*SetStaffBufferOverrideResponse, error)
	ClearStaffBufferOverride(context.Context, *ClearStaffBufferOverrideRequest) (*ClearStaffBufferOverrideResponse, error)
}

func RegisterAvailabilityServiceServer(s grpc.ServiceRegistrar, srv AvailabilityServiceServer) {
	s.RegisterService(&AvailabilityServiceDesc, srv)
}

var AvailabilityServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AvailabilityServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CheckAvailability", AvailabilityServiceServer.CheckAvailability),
		unary("Reserve", AvailabilityServiceServer.Reserve),
		unary("Reschedule", AvailabilityServiceServer.Reschedule),
		unary("Release", AvailabilityServiceServer.Release),
		unary("FindFreeSlots", AvailabilityServiceServer.FindFreeSlots),
		unary("ListStaffIntervals", AvailabilityServiceServer.ListStaffIntervals),
		unary("GetBufferPolicy", AvailabilityServiceServer.GetBufferPolicy),
		unary("SetBufferPolicy", AvailabilityServiceServer.SetBufferPolicy),
		unary("SetStaffBufferOverride", AvailabilityServiceServer.SetStaffBufferOverride),
		unary("ClearStaffBufferOverride", AvailabilityServiceServer.ClearStaffBufferOverride),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "salonavail/v1/availability.proto",
}

func unary[Req, Resp any](name string, call func(AvailabilityServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AvailabilityServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(name),
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(AvailabilityServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// AvailabilityClient calls AvailabilityService over a connection using the
// JSON codec.
type AvailabilityClient struct {
	cc grpc.ClientConnInterface
}

func NewAvailabilityClient(cc grpc.ClientConnInterface) *AvailabilityClient {
	return &AvailabilityClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *AvailabilityClient, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AvailabilityClient) CheckAvailability(ctx context.Context, in *CheckAvailabilityRequest, opts ...grpc.CallOption) (*CheckAvailabilityResponse, error) {
	return invoke[CheckAvailabilityResponse](ctx, c, "CheckAvailability", in, opts)
}

func (c *AvailabilityClient) Reserve(ctx context.Context, in *ReserveRequest, opts ...grpc.CallOption) (*ReserveResponse, error) {
	return invoke[ReserveResponse](ctx, c, "Reserve", in, opts)
}

func (c *AvailabilityClient) Reschedule(ctx context.Context, in *RescheduleRequest, opts ...grpc.CallOption) (*RescheduleResponse, error) {
	return invoke[RescheduleResponse](ctx, c, "Reschedule", in, opts)
}

func (c *AvailabilityClient) Release(ctx context.Context, in *ReleaseRequest, opts ...grpc.CallOption) (*ReleaseResponse, error) {
	return invoke[ReleaseResponse](ctx, c, "Release", in, opts)
}

func (c *AvailabilityClient) FindFreeSlots(ctx context.Context, in *FindFreeSlotsRequest, opts ...grpc.CallOption) (*FindFreeSlotsResponse, error) {
	return invoke[FindFreeSlotsResponse](ctx, c, "FindFreeSlots", in, opts)
}

func (c *AvailabilityClient) ListStaffIntervals(ctx context.Context, in *ListStaffIntervalsRequest, opts ...grpc.CallOption) (*ListStaffIntervalsResponse, error) {
	return invoke[ListStaffIntervalsResponse](ctx, c, "ListStaffIntervals", in, opts)
}

func (c *AvailabilityClient) GetBufferPolicy(ctx context.Context, in *GetBufferPolicyRequest, opts ...grpc.CallOption) (*GetBufferPolicyResponse, error) {
	return invoke[GetBufferPolicyResponse](ctx, c, "GetBufferPolicy", in, opts)
}

func (c *AvailabilityClient) SetBufferPolicy(ctx context.Context, in *SetBufferPolicyRequest, opts ...grpc.CallOption) (*SetBufferPolicyResponse, error) {
	return invoke[SetBufferPolicyResponse](ctx, c, "SetBufferPolicy", in, opts)
}

func (c *AvailabilityClient) SetStaffBufferOverride(ctx context.Context, in *SetStaffBufferOverrideRequest, opts ...grpc.CallOption) (*SetStaffBufferOverrideResponse, error) {
	return invoke[SetStaffBufferOverrideResponse](ctx, c, "SetStaffBufferOverride", in, opts)
}

func (c *AvailabilityClient) ClearStaffBufferOverride(ctx context.Context, in *ClearStaffBufferOverrideRequest, opts ...grpc.CallOption) (*ClearStaffBufferOverrideResponse, error) {
	return invoke[ClearStaffBufferOverrideResponse](ctx, c, "ClearStaffBufferOverride", in, opts)
}
