package api

import (
	"fmt"
	"regexp"
)

// sessionIDPattern matches server-generated UUID session ids.
var sessionIDPattern = regexp.MustCompile(`^[a-f0-9-]{8,64}$`)

func validateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id is required")
	}
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("invalid session id")
	}
	return nil
}

func validateRunCommandsRequest(req runCommandsRequest) error {
	if req.BaseImage == "" {
		return fmt.Errorf("base_image is required")
	}
	if len(req.Commands) == 0 && req.Archive == "" {
		return fmt.Errorf("commands or archive must be provided")
	}
	return nil
}

func validateRunCodeRequest(req runCodeRequest) error {
	if req.Language == "" {
		return fmt.Errorf("language is required")
	}
	if req.Code == "" {
		return fmt.Errorf("code is required")
	}
	return nil
}
