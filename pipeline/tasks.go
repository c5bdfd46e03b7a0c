package pipeline

import (
	"context"
	"fmt"
	"time"

	"cyphertextkit/devicestore"
	"cyphertextkit/envelope"
	"cyphertextkit/eventhandler"
	"cyphertextkit/identity"
	"cyphertextkit/internal/wire"
	"cyphertextkit/jobqueue"
	"cyphertextkit/ratchet"
)

const (
	tagSendConversation byte = 'c'
	tagSendToUser       byte = 'u'
	tagSendToDevice     byte = 'd'
	tagSendMessageID    byte = 'm'
	tagSendPlaintext    byte = 'p'
	tagSendMember       byte = 'r'
)

// sendMaxAttempts caps a send task's retries per the offline-retry seed
// scenario (spec.md:168): retry_after(30s, max=3).
var sendMaxAttempts = 3

// sendRetryMode is the send task's retry policy: a fixed 30-second delay,
// capped at 3 attempts, matching the offline-retry seed scenario rather
// than jobqueue's generic exponential-backoff default.
var sendRetryMode = jobqueue.RetryAfter(int64(30*time.Second), &sendMaxAttempts)

// sendTask ratchet-encrypts Plaintext for one recipient device at
// execute time (not at enqueue time, since the ratchet state it needs
// may have advanced since enqueue) and sends it, per §4.6.
type sendTask struct {
	eng          *Engine
	Conversation string
	ToUser       string
	ToDevice     string
	MessageID    string
	Plaintext    []byte
}

func (t *sendTask) Encode() []byte {
	return wire.NewWriter().
		PutBytes(tagSendConversation, []byte(t.Conversation)).
		PutBytes(tagSendToUser, []byte(t.ToUser)).
		PutBytes(tagSendToDevice, []byte(t.ToDevice)).
		PutBytes(tagSendMessageID, []byte(t.MessageID)).
		PutBytes(tagSendPlaintext, t.Plaintext).
		Bytes()
}

func decodeSendTask(eng *Engine, data []byte) (jobqueue.Task, error) {
	fields, err := wire.Decode(data)
	if err != nil {
		return nil, err
	}
	conv, _ := wire.Lookup(fields, tagSendConversation)
	toUser, _ := wire.Lookup(fields, tagSendToUser)
	toDevice, _ := wire.Lookup(fields, tagSendToDevice)
	msgID, _ := wire.Lookup(fields, tagSendMessageID)
	plaintext, _ := wire.Lookup(fields, tagSendPlaintext)
	return &sendTask{
		eng: eng, Conversation: string(conv), ToUser: string(toUser), ToDevice: string(toDevice),
		MessageID: string(msgID), Plaintext: plaintext,
	}, nil
}

func (t *sendTask) Execute(ctx context.Context, deps jobqueue.Deps) error {
	eng := t.eng
	view, err := eng.ensureDeviceIdentity(ctx, t.ToUser, t.ToDevice)
	if err != nil {
		return err
	}

	var env envelope.Single
	err = eng.devices.WriteWithRatchet(ctx, view, func(sess *ratchet.Session, rekey bool) error {
		e, err := envelope.SealSingle(chatTag, sess, t.Plaintext, []byte(t.Conversation), rekey, eng.local.Signing.Private)
		env = e
		return err
	})
	if err != nil {
		return err
	}

	if err := eng.trySend(ctx, env, t.ToUser, t.ToDevice, t.MessageID, t.Conversation); err != nil {
		_ = eng.updateDeliveryState(ctx, t.Conversation, t.MessageID, StateUndelivered)
		return err
	}
	return eng.updateDeliveryState(ctx, t.Conversation, t.MessageID, StateDelivered)
}

// sendMultiTask fans Plaintext out to every Member in one multi-recipient
// envelope when the server transport supports it, per §4.2/§4.6.
type sendMultiTask struct {
	eng          *Engine
	Conversation string
	MessageID    string
	Plaintext    []byte
	Members      []Member
}

func (t *sendMultiTask) Encode() []byte {
	w := wire.NewWriter().
		PutBytes(tagSendConversation, []byte(t.Conversation)).
		PutBytes(tagSendMessageID, []byte(t.MessageID)).
		PutBytes(tagSendPlaintext, t.Plaintext)
	for _, m := range t.Members {
		mw := wire.NewWriter().PutBytes(tagSendToUser, []byte(m.User)).PutBytes(tagSendToDevice, []byte(m.Device))
		w.PutBytes(tagSendMember, mw.Bytes())
	}
	return w.Bytes()
}

func decodeSendMultiTask(eng *Engine, data []byte) (jobqueue.Task, error) {
	fields, err := wire.Decode(data)
	if err != nil {
		return nil, err
	}
	conv, _ := wire.Lookup(fields, tagSendConversation)
	msgID, _ := wire.Lookup(fields, tagSendMessageID)
	plaintext, _ := wire.Lookup(fields, tagSendPlaintext)
	task := &sendMultiTask{eng: eng, Conversation: string(conv), MessageID: string(msgID), Plaintext: plaintext}
	for _, f := range fields {
		if f.Tag != tagSendMember {
			continue
		}
		mfields, err := wire.Decode(f.Data)
		if err != nil {
			return nil, err
		}
		user, _ := wire.Lookup(mfields, tagSendToUser)
		device, _ := wire.Lookup(mfields, tagSendToDevice)
		task.Members = append(task.Members, Member{User: string(user), Device: string(device)})
	}
	return task, nil
}

func (t *sendMultiTask) Execute(ctx context.Context, deps jobqueue.Deps) error {
	eng := t.eng
	recipients := make([]envelope.RecipientSession, 0, len(t.Members))
	views := make([]*devicestore.DeviceIdentity, 0, len(t.Members))

	for _, m := range t.Members {
		view, err := eng.ensureDeviceIdentity(ctx, m.User, m.Device)
		if err != nil {
			return err
		}
		views = append(views, view)
	}

	for i, m := range t.Members {
		view := views[i]
		err := eng.devices.WriteWithRatchet(ctx, view, func(sess *ratchet.Session, rekey bool) error {
			recipients = append(recipients, envelope.RecipientSession{User: m.User, Device: m.Device, Session: sess, RekeyFlag: rekey})
			return nil
		})
		if err != nil {
			return err
		}
	}

	env, err := envelope.BuildMulti(chatTag, t.Plaintext, recipients, eng.local.Signing.Private)
	if err != nil {
		return err
	}
	if err := eng.server.SendMulti(ctx, env, t.MessageID, t.Conversation); err != nil {
		_ = eng.updateDeliveryState(ctx, t.Conversation, t.MessageID, StateUndelivered)
		return err
	}
	return eng.updateDeliveryState(ctx, t.Conversation, t.MessageID, StateDelivered)
}

// receiveTask decrypts a single-recipient envelope from FromUser/
// FromDevice, consults the event handler for save/ignore, and persists
// it under Conversation on save.
type receiveTask struct {
	eng          *Engine
	FromUser     string
	FromDevice   string
	MessageID    string
	Conversation string
	Env          envelope.Single
}

const (
	tagRecvFromUser     byte = 'u'
	tagRecvFromDevice   byte = 'd'
	tagRecvMessageID    byte = 'm'
	tagRecvConversation byte = 'c'
	tagRecvEnvelope     byte = 'e'
)

func (t *receiveTask) Encode() []byte {
	return wire.NewWriter().
		PutBytes(tagRecvFromUser, []byte(t.FromUser)).
		PutBytes(tagRecvFromDevice, []byte(t.FromDevice)).
		PutBytes(tagRecvMessageID, []byte(t.MessageID)).
		PutBytes(tagRecvConversation, []byte(t.Conversation)).
		PutBytes(tagRecvEnvelope, t.Env.Encode()).
		Bytes()
}

func decodeReceiveTask(eng *Engine, data []byte) (jobqueue.Task, error) {
	fields, err := wire.Decode(data)
	if err != nil {
		return nil, err
	}
	fromUser, _ := wire.Lookup(fields, tagRecvFromUser)
	fromDevice, _ := wire.Lookup(fields, tagRecvFromDevice)
	msgID, _ := wire.Lookup(fields, tagRecvMessageID)
	conv, _ := wire.Lookup(fields, tagRecvConversation)
	envBytes, _ := wire.Lookup(fields, tagRecvEnvelope)
	env, err := envelope.DecodeSingle(envBytes)
	if err != nil {
		return nil, err
	}
	return &receiveTask{
		eng: eng, FromUser: string(fromUser), FromDevice: string(fromDevice),
		MessageID: string(msgID), Conversation: string(conv), Env: env,
	}, nil
}

func (t *receiveTask) Execute(ctx context.Context, deps jobqueue.Deps) error {
	eng := t.eng
	view, err := eng.ensureDeviceIdentity(ctx, t.FromUser, t.FromDevice)
	if err != nil {
		return err
	}
	plaintext, err := eng.devices.ReadWithRatchet(ctx, view, t.Env, []byte(t.Conversation))
	if err != nil {
		return err
	}
	return eng.deliverInbound(ctx, t.Conversation, t.FromUser, t.FromDevice, t.MessageID, plaintext)
}

// receiveMultiTask decrypts this device's wrapped copy of a multi-
// recipient envelope's payload key, then opens the shared sealed
// payload.
type receiveMultiTask struct {
	eng          *Engine
	FromUser     string
	FromDevice   string
	MessageID    string
	Conversation string
	Env          envelope.Multi
}

func (t *receiveMultiTask) Encode() []byte {
	return wire.NewWriter().
		PutBytes(tagRecvFromUser, []byte(t.FromUser)).
		PutBytes(tagRecvFromDevice, []byte(t.FromDevice)).
		PutBytes(tagRecvMessageID, []byte(t.MessageID)).
		PutBytes(tagRecvConversation, []byte(t.Conversation)).
		PutBytes(tagRecvEnvelope, t.Env.Encode()).
		Bytes()
}

func decodeReceiveMultiTask(eng *Engine, data []byte) (jobqueue.Task, error) {
	fields, err := wire.Decode(data)
	if err != nil {
		return nil, err
	}
	fromUser, _ := wire.Lookup(fields, tagRecvFromUser)
	fromDevice, _ := wire.Lookup(fields, tagRecvFromDevice)
	msgID, _ := wire.Lookup(fields, tagRecvMessageID)
	conv, _ := wire.Lookup(fields, tagRecvConversation)
	envBytes, _ := wire.Lookup(fields, tagRecvEnvelope)
	env, err := envelope.DecodeMulti(envBytes)
	if err != nil {
		return nil, err
	}
	return &receiveMultiTask{
		eng: eng, FromUser: string(fromUser), FromDevice: string(fromDevice),
		MessageID: string(msgID), Conversation: string(conv), Env: env,
	}, nil
}

func (t *receiveMultiTask) Execute(ctx context.Context, deps jobqueue.Deps) error {
	eng := t.eng
	view, err := eng.ensureDeviceIdentity(ctx, t.FromUser, t.FromDevice)
	if err != nil {
		return err
	}

	var plaintext []byte
	err = eng.devices.WriteWithRatchet(ctx, view, func(sess *ratchet.Session, rekey bool) error {
		pt, err := envelope.OpenMulti(t.Env, eng.localUser, eng.local.DeviceID, sess, view.PeerSigningPublic)
		plaintext = pt
		return err
	})
	// WriteWithRatchet always persists on a nil fn error; a multi-recipient
	// open never initializes a new sender session, so treat any failure
	// as a straightforward read failure instead, matching receiveTask.
	if err != nil {
		return err
	}
	return eng.deliverInbound(ctx, t.Conversation, t.FromUser, t.FromDevice, t.MessageID, plaintext)
}

func (e *Engine) deliverInbound(ctx context.Context, conversation, fromUser, fromDevice, messageID string, plaintext []byte) error {
	decision := eventhandler.Save
	if e.handler != nil {
		decision = e.handler.PreSave(ctx, eventhandler.InboundMessage{
			FromUser: fromUser, FromDevice: fromDevice, Plaintext: plaintext, MessageID: messageID,
		})
	}
	if decision == eventhandler.Ignore {
		return nil
	}
	if err := e.saveLocalMessage(ctx, conversation, fromUser, StateReceived, plaintext, messageID); err != nil {
		return err
	}
	if e.server != nil {
		_ = e.server.SendReceivedReceipt(ctx, fromUser, fromDevice, messageID, conversation)
	}
	return nil
}

// rekeyAnnounceTask sends the reserved-subtype magic packet from §4.3:
// empty payload, RekeyFlag forced true so the recipient discards any
// prior session for this device before its next read.
type rekeyAnnounceTask struct {
	eng      *Engine
	ToUser   string
	ToDevice string
}

const rekeyAnnounceTag = "_rekey"

func (t *rekeyAnnounceTask) Encode() []byte {
	return wire.NewWriter().PutBytes(tagSendToUser, []byte(t.ToUser)).PutBytes(tagSendToDevice, []byte(t.ToDevice)).Bytes()
}

func decodeRekeyAnnounceTask(eng *Engine, data []byte) (jobqueue.Task, error) {
	fields, err := wire.Decode(data)
	if err != nil {
		return nil, err
	}
	toUser, _ := wire.Lookup(fields, tagSendToUser)
	toDevice, _ := wire.Lookup(fields, tagSendToDevice)
	return &rekeyAnnounceTask{eng: eng, ToUser: string(toUser), ToDevice: string(toDevice)}, nil
}

func (t *rekeyAnnounceTask) Execute(ctx context.Context, deps jobqueue.Deps) error {
	eng := t.eng
	view, err := eng.ensureDeviceIdentity(ctx, t.ToUser, t.ToDevice)
	if err != nil {
		return err
	}
	var env envelope.Single
	err = eng.devices.WriteWithRatchet(ctx, view, func(sess *ratchet.Session, rekey bool) error {
		e, err := envelope.SealSingle(rekeyAnnounceTag, sess, nil, nil, true, eng.local.Signing.Private)
		env = e
		return err
	})
	if err != nil {
		return err
	}
	return eng.trySend(ctx, env, t.ToUser, t.ToDevice, "", "")
}

// deviceRegistrationTask asks the server to notify the account's master
// device of a new device wanting to join, per §4.4/§6.
type deviceRegistrationTask struct {
	eng *Engine
	Cfg identity.DeviceConfig
}

const (
	tagRegDeviceID  byte = 'i'
	tagRegSigning   byte = 's'
	tagRegAgreement byte = 'a'
	tagRegMaster    byte = 'm'
)

func (t *deviceRegistrationTask) Encode() []byte {
	return wire.NewWriter().
		PutBytes(tagRegDeviceID, []byte(t.Cfg.DeviceID)).
		PutBytes(tagRegSigning, t.Cfg.SigningPublic).
		PutBytes(tagRegAgreement, t.Cfg.AgreementPublic).
		PutBool(tagRegMaster, t.Cfg.IsMaster).
		Bytes()
}

func decodeDeviceRegistrationTask(eng *Engine, data []byte) (jobqueue.Task, error) {
	fields, err := wire.Decode(data)
	if err != nil {
		return nil, err
	}
	deviceID, _ := wire.Lookup(fields, tagRegDeviceID)
	signing, _ := wire.Lookup(fields, tagRegSigning)
	agreement, _ := wire.Lookup(fields, tagRegAgreement)
	isMaster, _, err := wire.BoolAt(fields, tagRegMaster)
	if err != nil {
		return nil, err
	}
	return &deviceRegistrationTask{eng: eng, Cfg: identity.DeviceConfig{
		DeviceID: string(deviceID), SigningPublic: signing, AgreementPublic: agreement, IsMaster: isMaster,
	}}, nil
}

func (t *deviceRegistrationTask) Execute(ctx context.Context, deps jobqueue.Deps) error {
	if t.eng.server == nil {
		return fmt.Errorf("pipeline: no server transport configured for device registration")
	}
	return t.eng.server.RequestDeviceRegistration(ctx, t.Cfg)
}

// Task kind tags, registered once per Engine via registerTaskKinds.
const (
	sendKindTag               = "pipeline.send"
	sendMultiKindTag          = "pipeline.send_multi"
	receiveKindTag            = "pipeline.receive"
	receiveMultiKindTag       = "pipeline.receive_multi"
	rekeyAnnounceKindTag      = "pipeline.rekey_announce"
	deviceRegistrationKindTag = "pipeline.device_registration"
)

// registerTaskKinds declares every pipeline TaskKind's retry policy and
// registers it on registry with a Decode closure bound to this Engine
// instance, so a Task executed later still has access to its
// collaborators despite jobqueue.Deps carrying none itself. The kinds are
// also kept on the Engine so Enqueue callers don't need to look them up
// by tag.
func (e *Engine) registerTaskKinds(registry *jobqueue.Registry) {
	e.sendKind = jobqueue.TaskKind{
		Tag: sendKindTag, RequiresConnectivity: true,
		Mode:   sendRetryMode,
		Decode: func(data []byte) (jobqueue.Task, error) { return decodeSendTask(e, data) },
	}
	e.sendMultiKind = jobqueue.TaskKind{
		Tag: sendMultiKindTag, RequiresConnectivity: true,
		Mode:   jobqueue.DefaultRetryAfter(),
		Decode: func(data []byte) (jobqueue.Task, error) { return decodeSendMultiTask(e, data) },
	}
	e.receiveKind = jobqueue.TaskKind{
		Tag: receiveKindTag, IsBackground: true,
		Mode:   jobqueue.Always(),
		Decode: func(data []byte) (jobqueue.Task, error) { return decodeReceiveTask(e, data) },
	}
	e.receiveMultiKind = jobqueue.TaskKind{
		Tag: receiveMultiKindTag, IsBackground: true,
		Mode:   jobqueue.Always(),
		Decode: func(data []byte) (jobqueue.Task, error) { return decodeReceiveMultiTask(e, data) },
	}
	e.rekeyAnnounceKind = jobqueue.TaskKind{
		Tag: rekeyAnnounceKindTag, RequiresConnectivity: true, IsBackground: true,
		Mode:   jobqueue.DefaultRetryAfter(),
		Decode: func(data []byte) (jobqueue.Task, error) { return decodeRekeyAnnounceTask(e, data) },
	}
	e.deviceRegistrationKind = jobqueue.TaskKind{
		Tag: deviceRegistrationKindTag, RequiresConnectivity: true,
		Mode:   jobqueue.DefaultRetryAfter(),
		Decode: func(data []byte) (jobqueue.Task, error) { return decodeDeviceRegistrationTask(e, data) },
	}

	registry.Register(e.sendKind)
	registry.Register(e.sendMultiKind)
	registry.Register(e.receiveKind)
	registry.Register(e.receiveMultiKind)
	registry.Register(e.rekeyAnnounceKind)
	registry.Register(e.deviceRegistrationKind)
}
