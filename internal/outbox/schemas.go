package outbox

const submissionStateChangedSchema = `{
  "type": "object",
  "title": "SubmissionStateChanged",
  "properties": {
    "submission_id": {"type": "string"},
    "caller_id": {"type": "string"},
    "from": {"type": "string"},
    "to": {"type": "string", "enum": ["validating", "awaiting_confirmation", "minting", "verified", "rejected", "failed"]},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["submission_id", "caller_id", "from", "to", "occurred_at"],
  "additionalProperties": false
}`

const submissionSettledSchema = `{
  "type": "object",
  "title": "SubmissionSettled",
  "properties": {
    "submission_id": {"type": "string"},
    "caller_id": {"type": "string"},
    "recipient": {"type": "string"},
    "status": {"type": "string", "enum": ["verified", "rejected", "failed"]},
    "reason": {"type": "string"},
    "failed_stage": {"type": "string"},
    "nft_id": {"type": "integer", "minimum": 0},
    "reward_amount": {"type": "string", "pattern": "^[0-9]+$"},
    "transaction_ref": {"type": "string"},
    "steps": {"type": "integer"},
    "duration_minutes": {"type": "integer"},
    "settled_at": {"type": "string", "format": "date-time"}
  },
  "required": ["submission_id", "caller_id", "recipient", "status", "steps", "duration_minutes", "settled_at"],
  "additionalProperties": false
}`
