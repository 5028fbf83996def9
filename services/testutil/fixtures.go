package testutil

import (
	"github.com/google/uuid"
)

var (
	DemoUserID   = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	TraderUserID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	FeeAccountID = uuid.MustParse("00000000-0000-0000-0000-00000000fee0")
)
