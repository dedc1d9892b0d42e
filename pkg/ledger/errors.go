package ledger

// TransactionErrorKey identifies why a transaction was rejected as a whole.
type TransactionErrorKey string

const (
	TransactionErrorInternal                   TransactionErrorKey = "Internal"                   // Internal error
	TransactionErrorAccountInUse               TransactionErrorKey = "AccountInUse"               // An account lock could not be acquired in time
	TransactionErrorAlreadyProcessed           TransactionErrorKey = "AlreadyProcessed"           // The transaction signature was already executed
	TransactionErrorAccountLoadedTwice         TransactionErrorKey = "AccountLoadedTwice"         // A public key appears twice in the message's account list
	TransactionErrorAccountNotFound            TransactionErrorKey = "AccountNotFound"            // A referenced account has no record
	TransactionErrorInstructionError           TransactionErrorKey = "InstructionError"           // An instruction failed; see InstructionErrorKey
	TransactionErrorInvalidAccountIndex        TransactionErrorKey = "InvalidAccountIndex"        // An instruction references an account outside the message
	TransactionErrorSignatureFailure           TransactionErrorKey = "SignatureFailure"           // A signature did not verify
	TransactionErrorInvalidProgramForExecution TransactionErrorKey = "InvalidProgramForExecution" // The invoked program is not registered
	TransactionErrorRateLimited                TransactionErrorKey = "RateLimited"                // The fee payer exceeded its submission rate
	TransactionErrorSanitizeFailure            TransactionErrorKey = "SanitizeFailure"            // The message is structurally invalid
	TransactionErrorTooManyInstructions        TransactionErrorKey = "TooManyInstructions"        // The message exceeds the configured instruction limit
	TransactionErrorWriteConflict              TransactionErrorKey = "WriteConflict"              // Account state kept changing underneath the transaction
)

// InstructionErrorKey identifies why an individual instruction failed.
type InstructionErrorKey string

const (
	InstructionErrorGenericError             InstructionErrorKey = "GenericError"
	InstructionErrorMissingAccount           InstructionErrorKey = "MissingAccount"
	InstructionErrorInvalidAccountPair       InstructionErrorKey = "InvalidAccountPair"
	InstructionErrorMissingRequiredSignature InstructionErrorKey = "MissingRequiredSignature"
	InstructionErrorAccountNotWritable       InstructionErrorKey = "AccountNotWritable"
	InstructionErrorInvalidInstructionData   InstructionErrorKey = "InvalidInstructionData"
	InstructionErrorInsufficientFunds        InstructionErrorKey = "InsufficientFunds"
	InstructionErrorArithmeticOverflow       InstructionErrorKey = "ArithmeticOverflow"
	InstructionErrorUnbalancedInstruction    InstructionErrorKey = "UnbalancedInstruction"
	InstructionErrorReadonlyLamportChange    InstructionErrorKey = "ReadonlyLamportChange"
)
