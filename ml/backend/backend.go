package backend

import (
	_ "github.com/jmorganca/stagediff/ml/backend/cpu"
)
