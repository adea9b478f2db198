package reconcile

import (
	"fmt"
	"strings"

	"github.com/surveikedaikopi/sms-ocr-server/internal/models"
	"github.com/surveikedaikopi/sms-ocr-server/internal/parser"
)

// Reply texts sent back to field operators (Indonesian)
const (
	replyResend     = "cek & kirim ulang dgn format:\n"
	replyIncomplete = "Data tidak lengkap, "
	replyAccepted   = "Berhasil diterima. Utk koreksi, kirim ulang dgn format yg sama:\n"
)

// ReplyUnrecognized generic reply when nothing more specific is known
var ReplyUnrecognized = "Format tidak dikenali. Kirim ulang dengan format yg sudah ditentukan. Contoh utk 3 paslon:\n" + parser.ExampleTemplate

func summary(eventID string, votes []int, invalid int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\n", eventID)
	for i, v := range votes {
		fmt.Fprintf(&b, "paslon%02d: %d\n", i+1, v)
	}
	fmt.Fprintf(&b, "tidak sah: %d\n", invalid)
	fmt.Fprintf(&b, "total: %d\n", models.TallyTotal(votes, invalid))
	return b.String()
}

func acceptedReply(eventID string, votes []int, invalid int) string {
	return summary(eventID, votes, invalid) + replyAccepted + parser.FormatTemplate(len(votes))
}

func ceilingReply(eventID string, votes []int, invalid, ceiling int) string {
	return summary(eventID, votes, invalid) +
		fmt.Sprintf("Jumlah suara melebihi %d, ", ceiling) + replyResend + parser.FormatTemplate(len(votes))
}

// rejectionReply corrective reply for a parser rejection
func rejectionReply(rej *parser.Rejection) string {
	if rej.Template == "" {
		return ReplyUnrecognized
	}
	switch rej.Kind {
	case parser.UnknownStation:
		return fmt.Sprintf("UID %q tidak terdaftar, ", rej.UID) + replyResend + rej.Template
	case parser.IncompleteData:
		return replyIncomplete + replyResend + rej.Template
	}
	return ReplyUnrecognized
}
