package decoder

import (
	"strings"

	gosiplog "github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/sip/parser"
	"github.com/sirupsen/logrus"
)

// sipInfo is what the decoder takes from a SIP message: enough to pair a
// response with its request and to tell provisional from final responses.
type sipInfo struct {
	correlationID string
	label         string
	request       bool
	ack           bool
	final         bool
}

type sipParser struct {
	delegate *parser.PacketParser
}

func newSIPParser(entry *logrus.Entry) *sipParser {
	return &sipParser{
		delegate: parser.NewPacketParser(&loggerAdapter{logger: entry}),
	}
}

// parse extracts correlation data. Call-ID plus CSeq identifies a
// transaction; requests are always complete, responses only from 200 on.
// An ACK shares its CSeq number with the INVITE but gets no response.
func (p *sipParser) parse(data []byte) (sipInfo, error) {
	msg, err := p.delegate.ParseMessage(data)
	if err != nil {
		return sipInfo{}, err
	}

	var info sipInfo
	if id, ok := msg.CallID(); ok {
		info.correlationID = id.Value()
	}
	if cseq, ok := msg.CSeq(); ok {
		info.correlationID += " " + cseq.Value()
	}
	info.correlationID = strings.TrimSpace(info.correlationID)
	info.label = msg.StartLine()

	switch m := msg.(type) {
	case sip.Request:
		info.request = true
		info.ack = m.Method() == sip.ACK
		info.final = true
	case sip.Response:
		info.final = m.StatusCode() >= 200
	default:
		info.final = true
	}
	return info, nil
}

// loggerAdapter routes gosip parser logs into logrus.
type loggerAdapter struct {
	logger *logrus.Entry
	prefix string
}

func (la *loggerAdapter) Fields() gosiplog.Fields {
	return gosiplog.Fields(la.logger.Data)
}

func (la *loggerAdapter) WithFields(fields map[string]interface{}) gosiplog.Logger {
	return &loggerAdapter{logger: la.logger.WithFields(fields), prefix: la.prefix}
}

func (la *loggerAdapter) Prefix() string {
	return la.prefix
}

func (la *loggerAdapter) WithPrefix(prefix string) gosiplog.Logger {
	return &loggerAdapter{logger: la.logger.WithField("prefix", prefix), prefix: prefix}
}

func (la *loggerAdapter) Print(args ...interface{})                 { la.logger.Print(args...) }
func (la *loggerAdapter) Printf(format string, args ...interface{}) { la.logger.Printf(format, args...) }
func (la *loggerAdapter) Trace(args ...interface{})                 { la.logger.Trace(args...) }
func (la *loggerAdapter) Tracef(format string, args ...interface{}) { la.logger.Tracef(format, args...) }
func (la *loggerAdapter) Debug(args ...interface{})                 { la.logger.Debug(args...) }
func (la *loggerAdapter) Debugf(format string, args ...interface{}) { la.logger.Debugf(format, args...) }
func (la *loggerAdapter) Info(args ...interface{})                  { la.logger.Info(args...) }
func (la *loggerAdapter) Infof(format string, args ...interface{})  { la.logger.Infof(format, args...) }
func (la *loggerAdapter) Warn(args ...interface{})                  { la.logger.Warn(args...) }
func (la *loggerAdapter) Warnf(format string, args ...interface{})  { la.logger.Warnf(format, args...) }
func (la *loggerAdapter) Error(args ...interface{})                 { la.logger.Error(args...) }
func (la *loggerAdapter) Errorf(format string, args ...interface{}) { la.logger.Errorf(format, args...) }
func (la *loggerAdapter) Fatal(args ...interface{})                 { la.logger.Fatal(args...) }
func (la *loggerAdapter) Fatalf(format string, args ...interface{}) { la.logger.Fatalf(format, args...) }
func (la *loggerAdapter) Panic(args ...interface{})                 { la.logger.Panic(args...) }
func (la *loggerAdapter) Panicf(format string, args ...interface{}) { la.logger.Panicf(format, args...) }

func (la *loggerAdapter) SetLevel(level uint32) {
	la.logger.Logger.SetLevel(logrus.Level(level))
}
